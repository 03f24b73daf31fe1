package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nirajnair/murmur/internal/config"
)

func testConfig(baseURL string) config.TranscriptionConfig {
	return config.TranscriptionConfig{BaseURL: baseURL, TimeoutMS: 5000, UserAgent: "MurMur/1.0"}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(testConfig(baseURL), newLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recording_1_abc_seg0.wav")
	if err := os.WriteFile(path, []byte("RIFFfakeaudio"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func TestTranscribeSuccess(t *testing.T) {
	var gotContentType, gotUserAgent string
	var gotContentLength int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotUserAgent = r.Header.Get("User-Agent")
		gotContentLength = r.ContentLength
		body, _ := io.ReadAll(r.Body)
		if string(body) != "RIFFfakeaudio" {
			t.Errorf("unexpected upload body: %q", body)
		}
		w.Write([]byte(`{"text":"hello world"}`))
	}))
	t.Cleanup(srv.Close)

	text, err := newClient(t, srv.URL).Transcribe(context.Background(), writeAudio(t))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("expected hello world, got %q", text)
	}
	if gotContentType != "audio/wav" {
		t.Fatalf("expected audio/wav content type, got %q", gotContentType)
	}
	if gotUserAgent != "MurMur/1.0" {
		t.Fatalf("expected MurMur/1.0 user agent, got %q", gotUserAgent)
	}
	if gotContentLength != int64(len("RIFFfakeaudio")) {
		t.Fatalf("expected content length %d, got %d", len("RIFFfakeaudio"), gotContentLength)
	}
}

func TestTranscribeResultKeyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"result":"fallback text"}`))
	}))
	t.Cleanup(srv.Close)

	text, err := newClient(t, srv.URL).Transcribe(context.Background(), writeAudio(t))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "fallback text" {
		t.Fatalf("expected fallback text, got %q", text)
	}
}

func TestTranscribeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := newClient(t, srv.URL).Transcribe(context.Background(), writeAudio(t))
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Status != 500 {
		t.Fatalf("expected status 500, got %d", httpErr.Status)
	}
}

func TestTranscribeDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`not json`))
	}))
	t.Cleanup(srv.Close)

	_, err := newClient(t, srv.URL).Transcribe(context.Background(), writeAudio(t))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestTranscribeFileNotFound(t *testing.T) {
	_, err := newClient(t, "http://localhost:1").Transcribe(context.Background(),
		filepath.Join(t.TempDir(), "missing.wav"))
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestTranscribeEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := newClient(t, "http://localhost:1").Transcribe(context.Background(), path)
	if !errors.Is(err, ErrNoAudioSegments) {
		t.Fatalf("expected ErrNoAudioSegments, got %v", err)
	}
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	if _, err := NewClient(testConfig("not a url"), newLogger()); !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint, got %v", err)
	}
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"a.wav":  "audio/wav",
		"a.mp3":  "audio/mpeg",
		"a.m4a":  "audio/mp4",
		"a.aac":  "audio/aac",
		"a.flac": "audio/flac",
		"a.ogg":  "audio/ogg",
		"a.bin":  "application/octet-stream",
	}
	for path, want := range cases {
		if got := contentTypeFor(path); got != want {
			t.Errorf("contentTypeFor(%s) = %s, want %s", path, got, want)
		}
	}
}
