package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/optlog/internal/config"
	"github.com/kalambet/optlog/internal/editing"
	"github.com/kalambet/optlog/internal/pipeline"
	"github.com/kalambet/optlog/internal/share"
	"github.com/kalambet/optlog/internal/storage"
)

// currentUser names the editor recorded on CLI edits.
func currentUser() string {
	for _, k := range []string{"OPTLOG_EDITOR", "USER", "USERNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "cli"
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

func completeConfigKeys(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
}

var configSetCmd = &cobra.Command{
	Use:               "set <key> <value>",
	Short:             "Set a configuration value (secrets go to the secret store)",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeConfigKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s", args[0])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:               "unset <key>",
	Short:             "Remove a configuration value so its default applies",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeConfigKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// --- account ---

type accountFile struct {
	Accounts []struct {
		ID                    string `yaml:"id"`
		DisplayName           string `yaml:"display_name"`
		TranscriptionGuidance string `yaml:"transcription_guidance"`
		OptimizationGuidance  string `yaml:"optimization_guidance"`
	} `yaml:"accounts"`
}

type accountWriter interface {
	UpsertAccount(a storage.Account) error
}

// importAccounts upserts every account in a YAML document and returns how
// many were written.
func importAccounts(w accountWriter, data []byte) (int, error) {
	var f accountFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parsing accounts file: %w", err)
	}
	for i, a := range f.Accounts {
		if strings.TrimSpace(a.ID) == "" {
			return i, fmt.Errorf("account #%d: id is required", i+1)
		}
		if err := w.UpsertAccount(storage.Account{
			ID:                    strings.TrimSpace(a.ID),
			DisplayName:           strings.TrimSpace(a.DisplayName),
			TranscriptionGuidance: strings.TrimSpace(a.TranscriptionGuidance),
			OptimizationGuidance:  strings.TrimSpace(a.OptimizationGuidance),
		}); err != nil {
			return i, fmt.Errorf("saving account %s: %w", a.ID, err)
		}
	}
	return len(f.Accounts), nil
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage the account context store",
}

var accountImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import account names and guidance from a YAML file",
	Long: `Import account names and guidance from a YAML file.

Example file:
  accounts:
    - id: acc-123
      display_name: Loja Exemplo
      transcription_guidance: "Marcas: Exemplo Pro, Exemplo Max"
      optimization_guidance: "Meta de CPA: R$ 40"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := importAccounts(store, data)
		if err != nil {
			return err
		}
		printSuccess("Imported %d account(s)", n)
		return nil
	},
}

func init() {
	accountCmd.AddCommand(accountImportCmd)
}

// --- recording ---

var recordingCmd = &cobra.Command{
	Use:   "recording",
	Short: "Upload and inspect recordings",
}

type uploadOptions struct {
	File            string
	AccountID       string
	Author          string
	Platform        string
	Objectives      string
	ContextOverride string
	DurationSeconds float64
	RecordedAt      string
}

func uploadRecording(ctx context.Context, c *apiClient, o uploadOptions) (storage.Recording, error) {
	audio, err := os.ReadFile(o.File)
	if err != nil {
		return storage.Recording{}, fmt.Errorf("reading audio: %w", err)
	}
	fields := map[string]string{
		"account_id":       o.AccountID,
		"author":           o.Author,
		"platform":         o.Platform,
		"objectives":       o.Objectives,
		"context_override": o.ContextOverride,
		"recorded_at":      o.RecordedAt,
	}
	if o.DurationSeconds > 0 {
		fields["duration_seconds"] = fmt.Sprintf("%g", o.DurationSeconds)
	}
	resp, err := c.upload(ctx, "/recordings", fields, o.File, audio)
	if err != nil {
		return storage.Recording{}, err
	}
	var rec storage.Recording
	if err := decodeJSON(resp, &rec); err != nil {
		return storage.Recording{}, err
	}
	return rec, nil
}

var recordingUploadCmd = &cobra.Command{
	Use:   "upload <audio-file>",
	Short: "Upload an optimization recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o := uploadOptions{File: args[0]}
		o.AccountID, _ = cmd.Flags().GetString("account")
		o.Author, _ = cmd.Flags().GetString("author")
		o.Platform, _ = cmd.Flags().GetString("platform")
		o.Objectives, _ = cmd.Flags().GetString("objectives")
		o.ContextOverride, _ = cmd.Flags().GetString("context")
		o.DurationSeconds, _ = cmd.Flags().GetFloat64("duration")
		o.RecordedAt, _ = cmd.Flags().GetString("recorded-at")
		if o.AccountID == "" {
			return fmt.Errorf("--account is required")
		}
		if o.Author == "" {
			o.Author = currentUser()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		rec, err := uploadRecording(cmd.Context(), client, o)
		if err != nil {
			return err
		}

		printSuccess("Uploaded recording %s", rec.ID)
		if process, _ := cmd.Flags().GetBool("process"); process {
			return runProcess(cmd.Context(), client, rec.ID)
		}
		return nil
	},
}

var recordingShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a recording with its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		id := url.PathEscape(args[0])
		var rec storage.Recording
		resp, err := client.get(cmd.Context(), "/recordings/"+id)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		printStatus("Recording", "%s", rec.ID)
		printStatus("Account", "%s", rec.AccountID)
		printStatus("Recorded", "%s by %s", rec.RecordedAt.Format(time.RFC3339), rec.Author)
		printStatus("Platform", "%s %v", rec.Platform, rec.Objectives)
		printStatus("Transcription", "%s", statusLabel(rec.TranscriptionStatus))
		printStatus("Analysis", "%s", statusLabel(rec.AnalysisStatus))
		if rec.StatusMessage != "" {
			printStatus("Message", "%s", rec.StatusMessage)
		}
		if rec.ShareEnabled {
			printStatus("Shared", "%s", rec.PublicSlug)
		}

		for _, part := range []string{"transcript", "extract", "analysis"} {
			resp, err := client.get(cmd.Context(), "/recordings/"+id+"/"+part)
			if err != nil {
				return err
			}
			if resp.StatusCode == http.StatusNotFound {
				resp.Body.Close()
				continue
			}
			var v any
			if err := decodeJSON(resp, &v); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s\n", colorize(colorBold, part))
			if err := printJSON(v); err != nil {
				return err
			}
		}
		return nil
	},
}

var recordingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an account's recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		limit, _ := cmd.Flags().GetInt("limit")
		if account == "" {
			return fmt.Errorf("--account is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/accounts/%s/recordings?limit=%d", url.PathEscape(account), limit))
		if err != nil {
			return err
		}
		var recs []storage.Recording
		if err := decodeJSON(resp, &recs); err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(out, "No recordings found.")
			return nil
		}
		for _, r := range recs {
			fmt.Fprintf(out, "%s  %s  %-8s  transcription=%s analysis=%s\n",
				colorize(colorCyan, shortID(r.ID)),
				r.RecordedAt.Format("2006-01-02"),
				r.Platform,
				statusLabel(r.TranscriptionStatus),
				statusLabel(r.AnalysisStatus),
			)
		}
		return nil
	},
}

func init() {
	recordingUploadCmd.Flags().String("account", "", "account ID")
	recordingUploadCmd.Flags().String("author", "", "who recorded it (default: current user)")
	recordingUploadCmd.Flags().String("platform", storage.PlatformMeta, "meta, google, tiktok, linkedin or other")
	recordingUploadCmd.Flags().String("objectives", "", "comma-separated campaign objectives")
	recordingUploadCmd.Flags().String("context", "", "guidance that overrides the account's")
	recordingUploadCmd.Flags().Float64("duration", 0, "audio duration in seconds")
	recordingUploadCmd.Flags().String("recorded-at", "", "RFC3339 timestamp (default: now)")
	recordingUploadCmd.Flags().Bool("process", false, "run the full pipeline after upload")
	recordingListCmd.Flags().String("account", "", "account ID")
	recordingListCmd.Flags().Int("limit", 20, "maximum number of recordings")

	recordingCmd.AddCommand(recordingUploadCmd)
	recordingCmd.AddCommand(recordingShowCmd)
	recordingCmd.AddCommand(recordingListCmd)
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run pipeline stages on a recording",
}

func stagePath(id, stage string) string {
	return "/recordings/" + url.PathEscape(id) + "/" + stage
}

func runStage(ctx context.Context, c *apiClient, id, stage string, force bool) (json.RawMessage, error) {
	resp, err := c.slow().post(ctx, stagePath(id, stage), map[string]bool{"force": force})
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := decodeJSON(resp, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func runProcess(ctx context.Context, c *apiClient, id string) error {
	printStep("Processing %s...", id)
	resp, err := c.slow().post(ctx, stagePath(id, "process"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var report pipeline.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil || len(report.Stages) == 0 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	printReport(report)
	if report.Failed() {
		return fmt.Errorf("one or more stages failed")
	}
	return nil
}

func newStageCmd(stage, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   stage + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			printStep("Running %s on %s...", stage, args[0])
			raw, err := runStage(cmd.Context(), client, args[0], stage, force)
			if err != nil {
				return err
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			return printJSON(v)
		},
	}
	cmd.Flags().Bool("force", false, "regenerate even if the artifact exists")
	return cmd
}

var runProcessCmd = &cobra.Command{
	Use:   "process <id>",
	Short: "Transcribe if needed, organize, then extract and analyze",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runProcess(cmd.Context(), client, args[0])
	},
}

func init() {
	runCmd.AddCommand(
		newStageCmd(pipeline.StageTranscribe, "Transcribe the recording's audio"),
		newStageCmd(pipeline.StageOrganize, "Organize the raw transcript"),
		newStageCmd(pipeline.StageExtract, "Extract the optimization log"),
		newStageCmd(pipeline.StageAnalyze, "Produce the structured analysis"),
		runProcessCmd,
	)
}

// --- edit ---

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit, touch up, or undo a recording's text artifacts",
	Long: `Edit, touch up, or undo a recording's text artifacts.

Artifacts: raw_transcript, processed_transcript, extract.`,
}

func artifactPath(id, kind string) string {
	return "/recordings/" + url.PathEscape(id) + "/artifacts/" + url.PathEscape(kind)
}

func printState(st editing.State) {
	printStatus("Artifact", "%s (%s)", st.Kind, st.RecordingID)
	printStatus("Edits", "%d", st.EditCount)
	if st.LastEditBy != "" && st.LastEditAt != nil {
		printStatus("Last edit", "%s at %s", st.LastEditBy, st.LastEditAt.Format(time.RFC3339))
	}
	printStatus("Undo available", "%t", st.CanUndo)
}

func saveArtifact(ctx context.Context, c *apiClient, id, kind, text, editor string) (editing.State, error) {
	resp, err := c.put(ctx, artifactPath(id, kind), map[string]string{"text": text, "editor": editor})
	if err != nil {
		return editing.State{}, err
	}
	var st editing.State
	if err := decodeJSON(resp, &st); err != nil {
		return editing.State{}, err
	}
	return st, nil
}

var editSaveCmd = &cobra.Command{
	Use:   "save <id> <artifact>",
	Short: "Replace an artifact's text",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			text = string(data)
		}
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := saveArtifact(cmd.Context(), client, args[0], args[1], text, currentUser())
		if err != nil {
			return err
		}
		printSuccess("Saved %s", args[1])
		printState(st)
		return nil
	},
}

var editProposeCmd = &cobra.Command{
	Use:   "propose <id> <artifact>",
	Short: "Ask for an AI touch-up and show the diff",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		instruction, _ := cmd.Flags().GetString("instruction")
		apply, _ := cmd.Flags().GetBool("apply")
		if strings.TrimSpace(instruction) == "" {
			return fmt.Errorf("--instruction is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.slow().post(cmd.Context(), artifactPath(args[0], args[1])+"/proposals",
			map[string]string{"instruction": instruction})
		if err != nil {
			return err
		}
		var p editing.Proposal
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		if !p.Changed {
			printWarning("The touch-up produced no changes")
			return nil
		}
		fmt.Fprintln(out, formatDiff(p.Diff))

		if !apply {
			printStep("Run again with --apply to save this proposal")
			return nil
		}
		st, err := saveArtifact(cmd.Context(), client, args[0], args[1], p.Revised, currentUser())
		if err != nil {
			return err
		}
		printSuccess("Applied touch-up to %s", args[1])
		printState(st)
		return nil
	},
}

var editUndoCmd = &cobra.Command{
	Use:   "undo <id> <artifact>",
	Short: "Restore the previous version of an artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), artifactPath(args[0], args[1])+"/undo",
			map[string]string{"editor": currentUser()})
		if err != nil {
			return err
		}
		var st editing.State
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		if !st.Undone {
			printWarning("Nothing to undo")
			return nil
		}
		printSuccess("Restored previous %s", args[1])
		printState(st)
		return nil
	},
}

func init() {
	editSaveCmd.Flags().String("text", "", "new text")
	editSaveCmd.Flags().String("file", "", "read the new text from a file")
	editProposeCmd.Flags().String("instruction", "", "what the touch-up should do")
	editProposeCmd.Flags().Bool("apply", false, "save the proposal")

	editCmd.AddCommand(editSaveCmd)
	editCmd.AddCommand(editProposeCmd)
	editCmd.AddCommand(editUndoCmd)
}

// --- share ---

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Publish analyses as public links",
}

var shareCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Publish a recording's analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("expires-days")
		never, _ := cmd.Flags().GetBool("no-expiry")
		password, _ := cmd.Flags().GetString("password")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/recordings/"+url.PathEscape(args[0])+"/share",
			share.Options{ExpiresDays: days, NeverExpires: never, Password: password})
		if err != nil {
			return err
		}
		var s share.Share
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printSuccess("Shared at %s", s.URL)
		if s.ExpiresAt != nil {
			printStatus("Expires", "%s", s.ExpiresAt.Format(time.RFC3339))
		}
		if s.PasswordProtected {
			printStatus("Password", "required")
		}
		return nil
	},
}

var shareDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Turn off a recording's public link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/recordings/"+url.PathEscape(args[0])+"/share")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Sharing disabled")
		return nil
	},
}

var shareOpenCmd = &cobra.Command{
	Use:   "open <slug>",
	Short: "Fetch a public share as its viewers see it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		header := http.Header{}
		if password != "" {
			header.Set("X-Share-Password", password)
		}
		resp, err := client.send(cmd.Context(), http.MethodGet, "/public/shares/"+url.PathEscape(args[0]), nil, "", header)
		if err != nil {
			return err
		}
		var view share.PublicView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		return printJSON(view)
	},
}

func init() {
	shareCreateCmd.Flags().Int("expires-days", 0, "days until the link expires (0: server default)")
	shareCreateCmd.Flags().Bool("no-expiry", false, "keep the link valid until disabled")
	shareCreateCmd.MarkFlagsMutuallyExclusive("expires-days", "no-expiry")
	shareCreateCmd.Flags().String("password", "", "require this password to open the link")
	shareOpenCmd.Flags().String("password", "", "share password")

	shareCmd.AddCommand(shareCreateCmd)
	shareCmd.AddCommand(shareDisableCmd)
	shareCmd.AddCommand(shareOpenCmd)
}
