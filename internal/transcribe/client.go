// Package transcribe uploads finished audio segments to the remote
// transcription endpoint. Exactly one attempt per segment; retry policy is
// the user's restart, never the client's.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nirajnair/murmur/internal/config"
)

type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	log       *slog.Logger
}

func NewClient(cfg config.TranscriptionConfig, log *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, ErrInvalidEndpoint
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "MurMur/1.0"
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: userAgent,
		http:      &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		log:       log.With(slog.String("component", "transcribe")),
	}, nil
}

// SetBaseURL swaps the endpoint, e.g. after a credential store sync.
func (c *Client) SetBaseURL(baseURL string) error {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ErrInvalidEndpoint
	}
	c.baseURL = strings.TrimRight(baseURL, "/")
	return nil
}

type response struct {
	Text          string `json:"text"`
	Transcription string `json:"transcription"`
	Result        string `json:"result"`
}

// Transcribe POSTs the raw audio bytes of path and returns the transcript.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrFileNotFound
		}
		return "", fmt.Errorf("stat audio file: %w", err)
	}
	if info.Size() == 0 {
		return "", ErrNoAudioSegments
	}

	audio, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read audio file: %w", err)
	}

	endpoint := c.baseURL + "/transcribe"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return "", ErrInvalidEndpoint
	}
	req.Header.Set("Content-Type", contentTypeFor(path))
	req.Header.Set("User-Agent", c.userAgent)

	c.log.Debug("sending transcription request",
		slog.String("endpoint", endpoint), slog.Int("bytes", len(audio)))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcription response: %w", err)
	}

	var decoded response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", &DecodeError{Err: err}
	}
	text := decoded.Text
	if text == "" {
		text = decoded.Transcription
	}
	if text == "" {
		text = decoded.Result
	}
	if text == "" {
		return "", &DecodeError{Err: errors.New("no transcript text in response")}
	}
	return text, nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "m4a":
		return "audio/mp4"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
