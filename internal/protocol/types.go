package protocol

import "encoding/json"

// Command is one request sent to a Lean REPL process via stdin.
type Command struct {
	Cmd        string `json:"cmd"`
	Env        *int   `json:"env,omitempty"`
	AllTactics bool   `json:"allTactics,omitempty"`
	Infotree   string `json:"infotree,omitempty"`
	// GC asks the REPL to drop the environment produced by this command once
	// the reply is written, so long-lived workers do not accumulate them.
	GC bool `json:"gc,omitempty"`
}

// Response is one reply read from a Lean REPL process via stdout.
type Response struct {
	Env      *int            `json:"env,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
	Sorries  []Sorry         `json:"sorries,omitempty"`
	Tactics  json.RawMessage `json:"tactics,omitempty"`
	Infotree json.RawMessage `json:"infotree,omitempty"`
	Time     float64         `json:"time,omitempty"`

	// Message is set instead of the fields above when the REPL rejects the
	// command itself (unknown env, parse failure of the envelope, ...).
	Message string `json:"message,omitempty"`
}

// Pos is a 1-based line, 0-based column source position.
type Pos struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Message is a Lean diagnostic.
type Message struct {
	Severity string `json:"severity"` // error | warning | info
	Pos      Pos    `json:"pos"`
	EndPos   *Pos   `json:"endPos,omitempty"`
	Data     string `json:"data"`
}

// Sorry is an unfinished proof reported by the REPL.
type Sorry struct {
	Pos        Pos    `json:"pos"`
	EndPos     *Pos   `json:"endPos,omitempty"`
	Goal       string `json:"goal"`
	ProofState *int   `json:"proofState,omitempty"`
}

// HasErrors reports whether any diagnostic has error severity.
func (r *Response) HasErrors() bool {
	for _, m := range r.Messages {
		if m.Severity == "error" {
			return true
		}
	}
	return false
}

// Rejected reports whether the REPL refused the command outright.
func (r *Response) Rejected() bool {
	return r.Message != ""
}
