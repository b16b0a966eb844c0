package connection

import "strings"

// FailureKind classifies a connection failure for retry scheduling.
type FailureKind uint8

const (
	// FailureTransient is a network-level fault (blip, unexpected
	// close), retried with exponential backoff.
	FailureTransient FailureKind = iota

	// FailureAuth is a credential rejection, retried after a fixed
	// long cooldown.
	FailureAuth
)

// String returns a human-readable failure kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "TRANSIENT"
	case FailureAuth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}

// authMarkers are matched case-insensitively against failure text.
// The upstream exposes no structured error code, so classification is
// a substring heuristic: false negatives fall back to normal backoff,
// false positives merely wait out the longer cooldown.
var authMarkers = []string{
	"unauthorized",
	"authentication",
	"login",
	"401",
}

// ClassifyFailure decides how a connection failure should be retried.
// A nil error classifies as transient.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureTransient
	}

	text := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(text, marker) {
			return FailureAuth
		}
	}
	return FailureTransient
}
