package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"aicodeview-backend/internal/model"
	"aicodeview-backend/pkg/logger"

	"github.com/google/uuid"
)

// DiskStorage writes one JSON file per session under <dataDir>/sessions and
// keeps the most recently used sessions in memory.
type DiskStorage struct {
	dataDir   string
	mu        sync.RWMutex
	cache     map[string]*model.Session
	cacheSize int
}

func NewDiskStorage(dataDir string, cacheSize int) *DiskStorage {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &DiskStorage{
		dataDir:   dataDir,
		cache:     make(map[string]*model.Session),
		cacheSize: cacheSize,
	}
}

func (d *DiskStorage) Init() error {
	if err := os.MkdirAll(d.sessionsDir(), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.warmCache(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Disk storage initialized at %s (%d sessions cached)", d.dataDir, len(d.cache))
	return nil
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = make(map[string]*model.Session)
	return nil
}

func (d *DiskStorage) sessionsDir() string {
	return filepath.Join(d.dataDir, "sessions")
}

// sessionPath only accepts UUIDs so a session ID taken from a URL can never
// escape the data directory.
func (d *DiskStorage) sessionPath(sessionID string) (string, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", ErrSessionNotFound
	}
	return filepath.Join(d.sessionsDir(), sessionID+".json"), nil
}

func (d *DiskStorage) warmCache() error {
	sessions, err := d.readAll()
	if err != nil {
		return err
	}

	sortByUpdated(sessions)
	for _, session := range sessions {
		if len(d.cache) >= d.cacheSize {
			break
		}
		// no provider call survives a restart
		session.State.Loading = false
		d.cache[session.ID] = session
	}
	return nil
}

func (d *DiskStorage) readAll() ([]*model.Session, error) {
	files, err := os.ReadDir(d.sessionsDir())
	if err != nil {
		return nil, err
	}

	sessions := make([]*model.Session, 0, len(files))
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}

		session, err := d.loadSessionFromFile(strings.TrimSuffix(name, ".json"))
		if err != nil {
			logger.Errorf("Failed to load session %s: %v", name, err)
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (d *DiskStorage) loadSessionFromFile(sessionID string) (*model.Session, error) {
	path, err := d.sessionPath(sessionID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &session, nil
}

func (d *DiskStorage) saveSessionToFile(session *model.Session) error {
	path, err := d.sessionPath(session.ID)
	if err != nil {
		return err
	}
	tempPath := path + ".tmp"

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) CreateSession(session *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path, err := d.sessionPath(session.ID)
	if err != nil {
		return fmt.Errorf("%w: session id must be a uuid", ErrInvalidData)
	}
	if _, err := os.Stat(path); err == nil {
		return ErrSessionExists
	}

	if err := d.saveSessionToFile(session); err != nil {
		return err
	}

	d.put(session)
	return nil
}

func (d *DiskStorage) GetSession(sessionID string) (*model.Session, error) {
	d.mu.RLock()
	if session, exists := d.cache[sessionID]; exists {
		cp := *session
		d.mu.RUnlock()
		return &cp, nil
	}
	d.mu.RUnlock()

	session, err := d.loadSessionFromFile(sessionID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.put(session)
	d.mu.Unlock()

	cp := *session
	return &cp, nil
}

func (d *DiskStorage) SaveSession(session *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path, err := d.sessionPath(session.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ErrSessionNotFound
	}

	if err := d.saveSessionToFile(session); err != nil {
		return err
	}

	d.put(session)
	return nil
}

func (d *DiskStorage) DeleteSession(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path, err := d.sessionPath(sessionID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	delete(d.cache, sessionID)
	return nil
}

// ListSessions reads every session file, most recently updated first.
func (d *DiskStorage) ListSessions() ([]*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sessions, err := d.readAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	sortByUpdated(sessions)
	return sessions, nil
}

// put stores a copy in the cache. Callers hold d.mu.
func (d *DiskStorage) put(session *model.Session) {
	cp := *session
	d.cache[session.ID] = &cp
	d.evictCache()
}

func (d *DiskStorage) evictCache() {
	if len(d.cache) <= d.cacheSize {
		return
	}

	type cacheEntry struct {
		id        string
		updatedAt time.Time
	}

	entries := make([]cacheEntry, 0, len(d.cache))
	for id, session := range d.cache {
		entries = append(entries, cacheEntry{id: id, updatedAt: session.UpdatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updatedAt.Before(entries[j].updatedAt)
	})

	toEvict := len(d.cache) - d.cacheSize
	for i := 0; i < toEvict; i++ {
		delete(d.cache, entries[i].id)
	}
}
