// Package secrets holds the credentials and remote-config values the rest of
// the system treats as read-only: the transcription API base URL, the app
// version string, and the remotely-managed session timeout override. The
// backing file is plain JSON with owner-only permissions.
package secrets

import (
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
	"sync"
	"time"

	"github.com/nirajnair/murmur/internal/store"
)

// ErrNotFound reports a credential key with no stored value.
var ErrNotFound = errors.New("secret not found")

type Credentials struct {
	APIBaseURL            string  `json:"api_base_url,omitempty"`
	AppVersion            string  `json:"app_version,omitempty"`
	SessionTimeoutSeconds float64 `json:"session_timeout_seconds,omitempty"`
}

type FileStore struct {
	path string
	log  *slog.Logger

	mu    sync.Mutex
	creds Credentials
}

// Open loads the credentials file, creating an empty store when the file
// does not exist yet.
func Open(path string, log *slog.Logger) (*FileStore, error) {
	fs := &FileStore{path: path, log: log.With(slog.String("component", "secrets"))}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	if err := json.Unmarshal(data, &fs.creds); err != nil {
		return nil, fmt.Errorf("decode credentials file: %w", err)
	}
	return fs, nil
}

func (f *FileStore) APIBaseURL() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creds.APIBaseURL == "" {
		return "", fmt.Errorf("api_base_url: %w", ErrNotFound)
	}
	return f.creds.APIBaseURL, nil
}

func (f *FileStore) AppVersion() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds.AppVersion
}

// SessionTimeout returns the remote override, or false when none is set.
func (f *FileStore) SessionTimeout() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creds.SessionTimeoutSeconds <= 0 {
		return 0, false
	}
	return time.Duration(f.creds.SessionTimeoutSeconds * float64(time.Second)), true
}

func (f *FileStore) SetAPIBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api base url %q", raw)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds.APIBaseURL = raw
	return f.persistLocked()
}

func (f *FileStore) SetAppVersion(v string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds.AppVersion = v
	return f.persistLocked()
}

func (f *FileStore) SetSessionTimeout(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds.SessionTimeoutSeconds = d.Seconds()
	return f.persistLocked()
}

// persistLocked writes the file via a rename so a crash mid-write never
// leaves a truncated credentials file behind.
func (f *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(f.creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}

// remoteConfig is the shape of the remote config service's response.
type remoteConfig struct {
	SessionTimeoutSeconds float64 `json:"session_timeout_seconds"`
	APIBaseURL            string  `json:"api_base_url"`
}

// Syncer refreshes the remote-managed values: it fetches the config
// document, persists what it got, and pushes the session timeout override
// into the shared store so both processes pick it up.
type Syncer struct {
	secrets *FileStore
	shared  *store.Store
	url     string
	http    *http.Client
	log     *slog.Logger
}

func NewSyncer(secrets *FileStore, shared *store.Store, configURL string, log *slog.Logger) *Syncer {
	return &Syncer{
		secrets: secrets,
		shared:  shared,
		url:     configURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log.With(slog.String("component", "secrets")),
	}
}

func (s *Syncer) Sync(ctx context.Context) error {
	if s.url == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build remote config request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch remote config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote config returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read remote config: %w", err)
	}
	var rc remoteConfig
	if err := json.Unmarshal(body, &rc); err != nil {
		return fmt.Errorf("decode remote config: %w", err)
	}

	if rc.APIBaseURL != "" {
		if err := s.secrets.SetAPIBaseURL(rc.APIBaseURL); err != nil {
			s.log.Warn("remote config carried an invalid api base url",
				slog.String("error", err.Error()))
		}
	}
	if rc.SessionTimeoutSeconds > 0 {
		timeout := time.Duration(rc.SessionTimeoutSeconds * float64(time.Second))
		if err := s.secrets.SetSessionTimeout(timeout); err != nil {
			return err
		}
		if err := s.shared.SetSessionTimeout(timeout); err != nil {
			return err
		}
		s.log.Info("applied remote session timeout", slog.Duration("timeout", timeout))
	}
	return nil
}
