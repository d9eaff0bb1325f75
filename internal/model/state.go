package model

import (
	"time"

	"aicodeview-backend/internal/detector"
)

// State is the published view of one session. It is treated as a value:
// every change produces a new State rather than editing a published one.
type State struct {
	Code      string            `json:"code"`
	Language  detector.Language `json:"language"`
	Error     string            `json:"error"`
	Loading   bool              `json:"loading"`
	Copied    bool              `json:"copied"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// InitialState is the state of a session before its first generation.
func InitialState() State {
	return State{Language: detector.Default, UpdatedAt: time.Now()}
}

// Started is s at the beginning of a generation attempt.
func (s State) Started() State {
	s.Loading = true
	s.Error = ""
	s.Copied = false
	s.UpdatedAt = time.Now()
	return s
}

// Succeeded replaces the code and language and ends the attempt.
func (s State) Succeeded(code string, lang detector.Language) State {
	s.Code = code
	s.Language = lang
	s.Loading = false
	s.UpdatedAt = time.Now()
	return s
}

// Failed records msg and ends the attempt; code and language are kept.
func (s State) Failed(msg string) State {
	s.Error = msg
	s.Loading = false
	s.UpdatedAt = time.Now()
	return s
}

// WithError records msg without touching the in-flight flag.
func (s State) WithError(msg string) State {
	s.Error = msg
	s.UpdatedAt = time.Now()
	return s
}

// WithCopied toggles the transient copied indicator.
func (s State) WithCopied(copied bool) State {
	s.Copied = copied
	s.UpdatedAt = time.Now()
	return s
}

type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
