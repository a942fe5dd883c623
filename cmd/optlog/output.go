package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/optlog/internal/editing"
	"github.com/kalambet/optlog/internal/pipeline"
	"github.com/kalambet/optlog/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// Human-facing messages go to errOut; data (JSON, diffs, listings) goes to out
// so it can be piped.
var (
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, mark, format string, args ...any) {
	fmt.Fprintln(errOut, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printLine(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { printLine(colorCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(errOut, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusLabel(s storage.Status) string {
	switch s {
	case storage.StatusCompleted:
		return colorize(colorGreen, string(s))
	case storage.StatusFailed:
		return colorize(colorRed, string(s))
	case storage.StatusProcessing:
		return colorize(colorYellow, string(s))
	}
	return string(s)
}

// formatDiff renders a touch-up diff inline: deletions as [-text-] in red,
// insertions as {+text+} in green.
func formatDiff(ops []editing.DiffOp) string {
	var sb strings.Builder
	for _, op := range ops {
		switch op.Op {
		case editing.OpDelete:
			sb.WriteString(colorize(colorRed, "[-"+op.Text+"-]"))
		case editing.OpInsert:
			sb.WriteString(colorize(colorGreen, "{+"+op.Text+"+}"))
		default:
			sb.WriteString(op.Text)
		}
	}
	return sb.String()
}

func printReport(r pipeline.Report) {
	for _, s := range r.Stages {
		if s.OK {
			printSuccess("%s", s.Stage)
			continue
		}
		printError("%s: %s", s.Stage, s.Message)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
