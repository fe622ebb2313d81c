// Package tokenizer estimates the token count of a chat-completion request
// payload using a fixed cl100k_base-equivalent BPE encoding.
package tokenizer

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens deterministically and without side effects.
// It is safe for concurrent use once constructed.
type Estimator struct {
	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewEstimator returns an Estimator backed by the cl100k_base encoding.
// Initialization of the underlying BPE ranks is deferred to first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.initErr = err
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// message mirrors the subset of a chat message this estimator cares about.
// Content may legitimately be any JSON value in malformed or multimodal
// payloads; extraction never fails, it just yields less text to count.
type message struct {
	Content json.RawMessage `json:"content"`
}

type payload struct {
	Messages []message `json:"messages"`
}

// CountRequest extracts every message's content field from a raw JSON
// request body and returns the estimated token count of their
// concatenation. Missing fields, non-object messages, or a body that
// isn't valid JSON never produce an error; they simply contribute no text.
func (e *Estimator) CountRequest(body []byte) int {
	var p payload
	_ = json.Unmarshal(body, &p)
	return e.CountMessages(p.rawContents())
}

func (p payload) rawContents() []string {
	out := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, contentToText(m.Content))
	}
	return out
}

// contentToText stringifies a message's content field. A plain JSON string
// is unwrapped; anything else (arrays, objects, numbers, null, absent) is
// rendered back out as its canonical JSON text, never raising an error.
func contentToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// CountMessages estimates the token count of a slice of already-extracted
// message texts. Texts are concatenated into a single string before
// encoding, not encoded independently and summed: BPE merges can span a
// boundary between adjacent messages, so encoding each text in isolation
// under- or over-counts relative to encoding the joined request once.
func (e *Estimator) CountMessages(texts []string) int {
	if err := e.init(); err != nil {
		return fallbackCount(texts)
	}
	return len(e.enc.Encode(strings.Join(texts, ""), nil, nil))
}

// CountText estimates the token count of a single string.
func (e *Estimator) CountText(text string) int {
	if err := e.init(); err != nil {
		return fallbackCount([]string{text})
	}
	return len(e.enc.Encode(text, nil, nil))
}

// fallbackCount is used only if the tiktoken rank data fails to load; it
// approximates 4 characters per token, matching the rough heuristic other
// estimators in this codebase's lineage fall back to.
func fallbackCount(texts []string) int {
	total := 0
	for _, t := range texts {
		total += (len(t) + 3) / 4
	}
	return total
}
