package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aicodeview-backend/internal/detector"
	"aicodeview-backend/internal/generator"
	"aicodeview-backend/internal/model"
	"aicodeview-backend/internal/storage"
	"aicodeview-backend/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Policy decides what happens when a session receives a generation request
// while another one is still outstanding.
type Policy string

const (
	// PolicyReject refuses the second request with ErrBusy.
	PolicyReject Policy = "reject"
	// PolicyCoalesce lets the second request share the outstanding outcome.
	PolicyCoalesce Policy = "coalesce"
	// PolicyRace runs both; whichever finishes last owns the state.
	PolicyRace Policy = "race"
)

const (
	MsgBusy      = "A generation is already in progress."
	MsgClipboard = "Failed to copy to clipboard. Please try again."

	defaultCopiedTTL  = 2 * time.Second
	subscriberBacklog = 16
)

var (
	ErrBusy          = errors.New("generation already in progress")
	ErrClipboard     = errors.New("clipboard write failed")
	ErrUnknownPolicy = errors.New("unknown concurrency policy")
	errNoChange      = errors.New("no change")
)

// CodeGenerator is the part of generator.Generator the service needs.
type CodeGenerator interface {
	Validate(input string) error
	Generate(ctx context.Context, input string) (*generator.Result, error)
}

// Clipboard receives copied code.
type Clipboard interface {
	WriteAll(text string) error
}

type Options struct {
	Policy          Policy
	CopiedTTL       time.Duration
	SessionTTL      time.Duration
	CleanupInterval time.Duration
}

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyReject, "":
		return PolicyReject, nil
	case PolicyCoalesce:
		return PolicyCoalesce, nil
	case PolicyRace:
		return PolicyRace, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownPolicy, s)
	}
}

// GenerationService owns the published state of every session. State is
// only ever replaced under mu, persisted, and then fanned out to subscribers.
// The stored loading flag is never trusted: inflight counts the provider
// calls this process has outstanding per session.
type GenerationService struct {
	generator CodeGenerator
	storage   storage.Storage
	opts      Options

	mu       sync.Mutex
	inflight map[string]int
	flights  singleflight.Group

	subsMu sync.RWMutex
	subs   map[string]map[*subscriber]struct{}

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	stop     chan struct{}
	stopOnce sync.Once
}

type subscriber struct {
	ch   chan model.State
	once sync.Once
}

func NewGenerationService(gen CodeGenerator, store storage.Storage, opts Options) *GenerationService {
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	if opts.CopiedTTL <= 0 {
		opts.CopiedTTL = defaultCopiedTTL
	}

	s := &GenerationService{
		generator: gen,
		storage:   store,
		opts:      opts,
		inflight:  make(map[string]int),
		subs:      make(map[string]map[*subscriber]struct{}),
		timers:    make(map[string]*time.Timer),
		stop:      make(chan struct{}),
	}

	if opts.SessionTTL > 0 && opts.CleanupInterval > 0 {
		go s.cleanupOldSessions()
	}

	return s
}

// Close stops background cleanup and pending timers.
func (s *GenerationService) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)

		s.timersMu.Lock()
		for id, t := range s.timers {
			t.Stop()
			delete(s.timers, id)
		}
		s.timersMu.Unlock()
	})
}

func (s *GenerationService) CreateSession(title string) (*model.Session, error) {
	now := time.Now()
	if title == "" {
		title = "Untitled " + now.Format("2006-01-02 15:04")
	}

	session := &model.Session{
		ID:        uuid.NewString(),
		Title:     title,
		State:     model.InitialState(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.storage.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.WithFields(logger.Fields{"session_id": session.ID}).Info("session created")
	return session, nil
}

func (s *GenerationService) GetSession(sessionID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	session.State = s.live(sessionID, session.State)
	return session, nil
}

func (s *GenerationService) ListSessions() ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.storage.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, session := range sessions {
		session.State = s.live(session.ID, session.State)
	}
	return sessions, nil
}

func (s *GenerationService) DeleteSession(sessionID string) error {
	_, err := s.deleteSession(sessionID, false)
	return err
}

// deleteSession removes the session unless onlyIdle is set and a provider
// call for it is outstanding. It reports whether the session was removed.
func (s *GenerationService) deleteSession(sessionID string, onlyIdle bool) (bool, error) {
	s.mu.Lock()
	if onlyIdle && s.inflight[sessionID] > 0 {
		s.mu.Unlock()
		return false, nil
	}
	err := s.storage.DeleteSession(sessionID)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}

	s.cancelTimer(sessionID)
	s.dropSubscribers(sessionID)
	return true, nil
}

// live corrects a stored state for publication. Loading reflects only the
// calls this process has outstanding, so a flag persisted before a crash or
// a failed save cannot lock the session. Callers hold mu.
func (s *GenerationService) live(sessionID string, st model.State) model.State {
	st.Loading = s.inflight[sessionID] > 0
	if !detector.Valid(st.Language) {
		st.Language = detector.Default
	}
	return st
}

// release ends one outstanding call. Callers hold mu.
func (s *GenerationService) release(sessionID string) {
	if s.inflight[sessionID] <= 1 {
		delete(s.inflight, sessionID)
		return
	}
	s.inflight[sessionID]--
}

// Generate runs one generation cycle for the session and returns the state
// it published last. A validation failure is published and returned without
// any provider call; provider failures are published with the user-facing
// message and returned as *generator.Error.
func (s *GenerationService) Generate(ctx context.Context, sessionID, input string) (model.State, error) {
	if err := s.generator.Validate(input); err != nil {
		st, perr := s.publish(sessionID, func(cur model.State) (model.State, error) {
			return cur.WithError(generator.UserMessage(err)), nil
		})
		if perr != nil {
			return model.State{}, perr
		}
		return st, err
	}

	switch s.opts.Policy {
	case PolicyCoalesce:
		// the shared call must not die with whichever caller started it;
		// each caller only stops waiting when its own context ends
		ch := s.flights.DoChan(sessionID, func() (interface{}, error) {
			return s.run(context.WithoutCancel(ctx), sessionID, input, false)
		})
		select {
		case r := <-ch:
			if r.Shared {
				logger.WithFields(logger.Fields{"session_id": sessionID}).Debug("generation coalesced")
			}
			st, _ := r.Val.(model.State)
			return st, r.Err
		case <-ctx.Done():
			return model.State{}, ctx.Err()
		}
	case PolicyRace:
		return s.run(ctx, sessionID, input, false)
	default:
		return s.run(ctx, sessionID, input, true)
	}
}

func (s *GenerationService) run(ctx context.Context, sessionID, input string, exclusive bool) (model.State, error) {
	started := false
	_, err := s.publish(sessionID, func(cur model.State) (model.State, error) {
		if exclusive && s.inflight[sessionID] > 0 {
			return cur, ErrBusy
		}
		s.inflight[sessionID]++
		started = true
		return cur.Started(), nil
	})
	if err != nil {
		if started {
			s.mu.Lock()
			s.release(sessionID)
			s.mu.Unlock()
		}
		return model.State{}, err
	}

	res, genErr := s.generator.Generate(ctx, input)

	released := false
	st, err := s.publish(sessionID, func(cur model.State) (model.State, error) {
		s.release(sessionID)
		released = true

		var next model.State
		if genErr != nil {
			next = cur.Failed(generator.UserMessage(genErr))
		} else {
			next = cur.Succeeded(res.Code, res.Language)
		}
		// under the race policy another call may still be outstanding
		next.Loading = s.inflight[sessionID] > 0
		return next, nil
	})
	if !released {
		s.mu.Lock()
		s.release(sessionID)
		s.mu.Unlock()
	}
	if err != nil {
		logger.WithFields(logger.Fields{"session_id": sessionID}).Warnf("Failed to publish generation result: %v", err)
		return model.State{}, err
	}

	return st, genErr
}

// Copy writes the session's code to clip. On success the copied indicator is
// raised and cleared again after the configured TTL.
func (s *GenerationService) Copy(ctx context.Context, sessionID string, clip Clipboard) (model.State, error) {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		return model.State{}, err
	}

	if err := clip.WriteAll(session.State.Code); err != nil {
		logger.WithFields(logger.Fields{"session_id": sessionID}).Errorf("Failed to copy: %v", err)
		st, perr := s.publish(sessionID, func(cur model.State) (model.State, error) {
			return cur.WithError(MsgClipboard), nil
		})
		if perr != nil {
			return model.State{}, perr
		}
		return st, fmt.Errorf("%w: %v", ErrClipboard, err)
	}

	st, err := s.publish(sessionID, func(cur model.State) (model.State, error) {
		return cur.WithCopied(true), nil
	})
	if err != nil {
		return model.State{}, err
	}

	s.resetCopiedAfter(sessionID, s.opts.CopiedTTL)
	return st, nil
}

func (s *GenerationService) resetCopiedAfter(sessionID string, ttl time.Duration) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(ttl, func() {
		s.timersMu.Lock()
		if s.timers[sessionID] == t {
			delete(s.timers, sessionID)
		}
		s.timersMu.Unlock()

		_, err := s.publish(sessionID, func(cur model.State) (model.State, error) {
			if !cur.Copied {
				return cur, errNoChange
			}
			return cur.WithCopied(false), nil
		})
		if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			logger.Warnf("Failed to clear copied flag for %s: %v", sessionID, err)
		}
	})
	s.timers[sessionID] = t
}

func (s *GenerationService) cancelTimer(sessionID string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
		delete(s.timers, sessionID)
	}
}

// publish replaces the session state with next(current). Returning
// errNoChange from next leaves everything untouched; any other error aborts.
func (s *GenerationService) publish(sessionID string, next func(model.State) (model.State, error)) (model.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		return model.State{}, err
	}

	cur := s.live(sessionID, session.State)
	st, err := next(cur)
	if errors.Is(err, errNoChange) {
		return cur, nil
	}
	if err != nil {
		return cur, err
	}

	session.State = st
	session.UpdatedAt = st.UpdatedAt
	if err := s.storage.SaveSession(session); err != nil {
		return model.State{}, fmt.Errorf("failed to save session: %w", err)
	}

	s.notify(sessionID, st)
	return st, nil
}

// Subscribe streams every state published for the session, starting with the
// current one. Slow readers miss intermediate states rather than block.
func (s *GenerationService) Subscribe(sessionID string) (<-chan model.State, func(), error) {
	// holding mu keeps a concurrent publish from slipping between the
	// snapshot and the registration
	s.mu.Lock()
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan model.State, subscriberBacklog)}
	sub.ch <- s.live(sessionID, session.State)

	s.subsMu.Lock()
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[*subscriber]struct{})
	}
	s.subs[sessionID][sub] = struct{}{}
	s.subsMu.Unlock()
	s.mu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if set, ok := s.subs[sessionID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(s.subs, sessionID)
			}
		}
		sub.once.Do(func() { close(sub.ch) })
	}

	return sub.ch, cancel, nil
}

func (s *GenerationService) notify(sessionID string, st model.State) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for sub := range s.subs[sessionID] {
		select {
		case sub.ch <- st:
		default:
		}
	}
}

func (s *GenerationService) dropSubscribers(sessionID string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for sub := range s.subs[sessionID] {
		sub.once.Do(func() { close(sub.ch) })
	}
	delete(s.subs, sessionID)
}

func (s *GenerationService) cleanupOldSessions() {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.CleanupExpired(now)
		}
	}
}

// CleanupExpired deletes sessions idle since before now-SessionTTL with no
// provider call outstanding. It returns how many were removed.
func (s *GenerationService) CleanupExpired(now time.Time) int {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		logger.Errorf("Failed to list sessions for cleanup: %v", err)
		return 0
	}

	cutoff := now.Add(-s.opts.SessionTTL)
	removed := 0
	for _, session := range sessions {
		if !session.UpdatedAt.Before(cutoff) {
			continue
		}
		deleted, err := s.deleteSession(session.ID, true)
		if err != nil {
			logger.Errorf("Failed to delete expired session %s: %v", session.ID, err)
			continue
		}
		if !deleted {
			continue
		}
		logger.Infof("Cleaned up expired session: %s", session.ID)
		removed++
	}
	return removed
}
