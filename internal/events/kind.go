package events

import (
	"strings"
	"time"
)

// Kind identifies a stage in a call's lifecycle.
type Kind string

const (
	KindInitiated Kind = "initiated"
	KindRinging   Kind = "ringing"
	KindAnswered  Kind = "answered"
	KindCompleted Kind = "completed"
	KindBusy      Kind = "busy"
	KindNoAnswer  Kind = "no_answer"
	KindFailed    Kind = "failed"
	KindCanceled  Kind = "canceled"
	// KindAMD carries an answering-machine detection result.
	KindAMD Kind = "amd"
)

// Terminal reports whether no further lifecycle events follow this kind.
func (k Kind) Terminal() bool {
	switch k {
	case KindCompleted, KindBusy, KindNoAnswer, KindFailed, KindCanceled:
		return true
	default:
		return false
	}
}

// ParseKind maps a provider status string onto a Kind.
func ParseKind(status string) (Kind, bool) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(status)), "-", "_")
	switch normalized {
	case "queued", "initiated":
		return KindInitiated, true
	case "ringing":
		return KindRinging, true
	case "answered", "in_progress":
		return KindAnswered, true
	case "completed":
		return KindCompleted, true
	case "busy":
		return KindBusy, true
	case "no_answer":
		return KindNoAnswer, true
	case "failed":
		return KindFailed, true
	case "canceled", "cancelled":
		return KindCanceled, true
	case "amd":
		return KindAMD, true
	default:
		return "", false
	}
}

// KindFilter selects which kinds a listener receives.
type KindFilter struct {
	kind Kind
	any  bool
}

// AnyKind matches every kind.
var AnyKind = KindFilter{any: true}

// OnKind matches exactly one kind.
func OnKind(k Kind) KindFilter {
	return KindFilter{kind: k}
}

// Matches reports whether the filter selects k.
func (f KindFilter) Matches(k Kind) bool {
	return f.any || f.kind == k
}

func (f KindFilter) String() string {
	if f.any {
		return "*"
	}
	return string(f.kind)
}

// Event is the value delivered to listeners.
type Event struct {
	CallID     string    `json:"call_id"`
	Kind       Kind      `json:"kind"`
	Payload    any       `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
