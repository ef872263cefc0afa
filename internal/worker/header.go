package worker

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Kind selects the worker variant a request runs on.
type Kind string

const (
	KindCheck Kind = "check"
	KindTree  Kind = "tree"
)

// ParseKind validates a kind string. Empty means KindCheck.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindCheck:
		return KindCheck, nil
	case KindTree, "ast":
		return KindTree, nil
	default:
		return "", fmt.Errorf("unknown request kind %q (want check or tree)", s)
	}
}

// Header is the compilation context a worker loads once: the preamble
// source plus the worker variant that loads it.
type Header struct {
	Kind   Kind
	Source string
}

// NewHeader normalizes surrounding whitespace so that equivalent preambles
// share workers.
func NewHeader(kind Kind, source string) Header {
	return Header{Kind: kind, Source: strings.TrimSpace(source)}
}

// Key identifies the header in pool bookkeeping.
func (h Header) Key() string {
	sum := blake3.Sum256([]byte(h.Source))
	return string(h.Kind) + ":" + hex.EncodeToString(sum[:16])
}

// Empty reports whether the header has no preamble.
func (h Header) Empty() bool { return h.Source == "" }

// Summary is a short human-readable form for logs.
func (h Header) Summary() string {
	s := strings.Join(strings.Fields(h.Source), " ")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	if s == "" {
		s = "<empty>"
	}
	return string(h.Kind) + " " + s
}
