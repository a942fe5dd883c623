package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/kalambet/optlog/internal/storage"
)

const (
	googleScope      = "https://www.googleapis.com/auth/cloud-platform"
	googleDefaultURL = "https://speech.googleapis.com"
)

// GoogleTranscriber calls the Cloud Speech-to-Text v1 REST API, authenticated
// either with an API key or a service account.
type GoogleTranscriber struct {
	baseURL    string
	projectID  string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewGoogleTranscriber accepts credentials as an API key, a path to a
// service-account JSON file, or the JSON document itself.
func NewGoogleTranscriber(ctx context.Context, projectID, credentials string, timeout time.Duration) (*GoogleTranscriber, error) {
	creds := strings.TrimSpace(credentials)
	g := &GoogleTranscriber{baseURL: googleDefaultURL, projectID: projectID, timeout: timeout}

	if isGoogleAPIKey(creds) {
		g.apiKey = creds
		g.httpClient = &http.Client{}
		return g, nil
	}

	if projectID == "" {
		return nil, errors.New("stt.google_project_id is required with service-account credentials")
	}

	var ts oauth2.TokenSource
	switch {
	case creds == "":
		found, err := google.FindDefaultCredentials(ctx, googleScope)
		if err != nil {
			return nil, fmt.Errorf("finding default Google credentials: %w", err)
		}
		ts = found.TokenSource
	default:
		data := []byte(creds)
		if !strings.HasPrefix(creds, "{") {
			var err error
			if data, err = os.ReadFile(creds); err != nil {
				return nil, fmt.Errorf("reading Google key file: %w", err)
			}
		}
		parsed, err := google.CredentialsFromJSON(ctx, data, googleScope)
		if err != nil {
			return nil, fmt.Errorf("parsing Google credentials: %w", err)
		}
		ts = parsed.TokenSource
	}
	g.httpClient = oauth2.NewClient(ctx, ts)
	return g, nil
}

func isGoogleAPIKey(s string) bool {
	return len(s) == 39 && strings.HasPrefix(s, "AIza")
}

func (g *GoogleTranscriber) Name() string { return "google" }

type googleRequest struct {
	Config googleConfig `json:"config"`
	Audio  googleAudio  `json:"audio"`
}

type googleConfig struct {
	Encoding                   string `json:"encoding,omitempty"`
	SampleRateHertz            int    `json:"sampleRateHertz,omitempty"`
	LanguageCode               string `json:"languageCode"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
	Model                      string `json:"model,omitempty"`
}

type googleAudio struct {
	Content string `json:"content"`
}

type googleResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
		ResultEndTime string `json:"resultEndTime"`
		LanguageCode  string `json:"languageCode"`
	} `json:"results"`
	Error *googleError `json:"error,omitempty"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (g *GoogleTranscriber) Transcribe(ctx context.Context, audio Audio) (*Result, error) {
	if len(audio.Data) == 0 {
		return nil, g.fail(0, errors.New("empty audio"))
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	encoding, rate := googleEncoding(audio.MIMEType)
	body, err := json.Marshal(googleRequest{
		Config: googleConfig{
			Encoding:                   encoding,
			SampleRateHertz:            rate,
			LanguageCode:               googleLanguage(audio.Language),
			EnableAutomaticPunctuation: true,
			Model:                      "latest_long",
		},
		Audio: googleAudio{Content: base64.StdEncoding.EncodeToString(audio.Data)},
	})
	if err != nil {
		return nil, g.fail(0, fmt.Errorf("marshalling request: %w", err))
	}

	url := g.baseURL + "/v1/speech:recognize"
	if g.apiKey != "" {
		url += "?key=" + g.apiKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, g.fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey == "" && g.projectID != "" {
		req.Header.Set("x-goog-user-project", g.projectID)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, g.fail(0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, g.fail(resp.StatusCode, fmt.Errorf("reading response: %w", err))
	}

	var parsed googleResponse
	decodeErr := json.Unmarshal(raw, &parsed)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, g.fail(resp.StatusCode, fmt.Errorf("API error: %s", truncate(msg, 300)))
	}
	if decodeErr != nil {
		return nil, g.fail(resp.StatusCode, fmt.Errorf("parsing response: %w", decodeErr))
	}
	if parsed.Error != nil {
		return nil, g.fail(parsed.Error.Code, fmt.Errorf("API error: %s", parsed.Error.Message))
	}

	var (
		parts    []string
		segments []storage.Segment
		prevEnd  float64
		lang     string
	)
	for _, r := range parsed.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		end := prevEnd
		if d, err := time.ParseDuration(r.ResultEndTime); err == nil {
			end = d.Seconds()
		}
		seg := storage.Segment{Start: prevEnd, End: end, Text: text}
		if alt.Confidence > 0 {
			seg.Confidence = float64Ptr(alt.Confidence)
		}
		segments = append(segments, seg)
		parts = append(parts, text)
		prevEnd = end
		if lang == "" {
			lang = r.LanguageCode
		}
	}
	if len(parts) == 0 {
		return nil, g.fail(resp.StatusCode, errors.New("no speech detected in audio"))
	}
	if lang == "" {
		lang = audio.Language
	}

	return &Result{
		Text:     strings.Join(parts, " "),
		Language: lang,
		Segments: segments,
		Provider: g.Name(),
		Model:    "latest_long",
		Duration: time.Since(start),
	}, nil
}

func (g *GoogleTranscriber) fail(status int, err error) error {
	slog.Warn("google transcription failed", "status", status, "error", err)
	return &TranscriptionServiceError{Provider: g.Name(), StatusCode: status, Err: err}
}

// googleEncoding maps a MIME type to the v1 encoding enum. Containers that
// carry their own header (wav, flac) leave the sample rate to the service.
func googleEncoding(mime string) (string, int) {
	mime = strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	switch mime {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "LINEAR16", 0
	case "audio/flac", "audio/x-flac":
		return "FLAC", 0
	case "audio/mpeg", "audio/mp3":
		return "MP3", 44100
	case "audio/ogg", "application/ogg":
		return "OGG_OPUS", 48000
	case "audio/webm", "video/webm":
		return "WEBM_OPUS", 48000
	default:
		return "", 0
	}
}

var googleRegions = map[string]string{
	"pt": "pt-BR",
	"en": "en-US",
	"es": "es-ES",
}

func googleLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return "pt-BR"
	}
	if full, ok := googleRegions[strings.ToLower(lang)]; ok {
		return full
	}
	return lang
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Transcriber = (*GoogleTranscriber)(nil)
