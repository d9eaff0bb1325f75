package storage

import (
	"aicodeview-backend/internal/model"
)

// Storage keeps session snapshots. Implementations return copies, so callers
// may not observe later writes through a previously returned pointer.
type Storage interface {
	CreateSession(session *model.Session) error
	GetSession(sessionID string) (*model.Session, error)
	SaveSession(session *model.Session) error
	DeleteSession(sessionID string) error
	ListSessions() ([]*model.Session, error)

	Init() error
	Close() error
}
