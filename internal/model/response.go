package model

import (
	"time"

	"aicodeview-backend/internal/detector"
)

type GenerateResponse struct {
	Code     string            `json:"code"`
	Language detector.Language `json:"language"`
}

// SessionStateResponse is returned by the session operations; Error repeats
// State.Error so clients can branch on one field.
type SessionStateResponse struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state"`
	Error     string `json:"error,omitempty"`
}

type SessionResponse struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Language  string    `json:"language"`
	HasCode   bool      `json:"has_code"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewSessionResponse(s *Session) SessionResponse {
	return SessionResponse{
		SessionID: s.ID,
		Title:     s.Title,
		Language:  string(s.State.Language),
		HasCode:   s.State.Code != "",
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
