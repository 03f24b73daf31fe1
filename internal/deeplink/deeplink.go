// Package deeplink maps murmur:// URLs onto coordinator actions.
package deeplink

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nirajnair/murmur/internal/protocol"
)

type Action int

const (
	ActionUnknown Action = iota
	// ActionStartRecording starts or resumes a recording session.
	ActionStartRecording
	// ActionReturnToHost hands focus back to the host application.
	ActionReturnToHost
)

func (a Action) String() string {
	switch a {
	case ActionStartRecording:
		return "startRecording"
	case ActionReturnToHost:
		return "returnToHost"
	default:
		return "unknown"
	}
}

// Parse resolves a deep link URL to its action. Host matching is
// case-insensitive; anything outside the murmur scheme or the known host set
// is rejected.
func Parse(raw string) (Action, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ActionUnknown, fmt.Errorf("parse deep link: %w", err)
	}
	if !strings.EqualFold(u.Scheme, protocol.DeepLinkScheme) {
		return ActionUnknown, fmt.Errorf("unsupported deep link scheme %q", u.Scheme)
	}
	switch {
	case strings.EqualFold(u.Host, protocol.DeepLinkStartHost):
		return ActionStartRecording, nil
	case strings.EqualFold(u.Host, protocol.DeepLinkReturnHost):
		return ActionReturnToHost, nil
	default:
		return ActionUnknown, fmt.Errorf("unknown deep link host %q", u.Host)
	}
}
