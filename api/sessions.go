package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kando-api/board"
)

// ControllerFactory builds the board controller for a new session.
type ControllerFactory func() *board.Controller

type session struct {
	ctrl     *board.Controller
	lastSeen time.Time

	loadMu sync.Mutex
	loaded bool
}

// Sessions keeps one board controller per caller so each client has its own
// snapshot, messages and pending confirmation. Guests share the session
// keyed by the empty user id.
type Sessions struct {
	factory ControllerFactory
	idle    time.Duration
	logger  *log.Logger
	now     func() time.Time

	mu   sync.Mutex
	byID map[string]*session
}

func NewSessions(factory ControllerFactory, idle time.Duration, logger *log.Logger) *Sessions {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Sessions{
		factory: factory,
		idle:    idle,
		logger:  logger,
		now:     time.Now,
		byID:    make(map[string]*session),
	}
}

// Get returns the caller's controller, loading the board the first time the
// session is used. A failed first load is retried on the next call.
func (s *Sessions) Get(ctx context.Context, userID string) (*board.Controller, error) {
	s.mu.Lock()
	sess, ok := s.byID[userID]
	if !ok {
		sess = &session{ctrl: s.factory()}
		s.byID[userID] = sess
		s.logger.WithField("user_id", userID).Debug("session.created")
	}
	sess.lastSeen = s.now()
	s.mu.Unlock()

	sess.loadMu.Lock()
	defer sess.loadMu.Unlock()
	if !sess.loaded {
		if err := sess.ctrl.LoadBoard(ctx); err != nil {
			return sess.ctrl, err
		}
		sess.loaded = true
	}
	return sess.ctrl, nil
}

// Sweep closes sessions idle for longer than the idle timeout and returns
// how many were removed.
func (s *Sessions) Sweep() int {
	if s.idle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idle)
	s.mu.Lock()
	var stale []*session
	for id, sess := range s.byID {
		if sess.lastSeen.Before(cutoff) {
			stale = append(stale, sess)
			delete(s.byID, id)
		}
	}
	s.mu.Unlock()
	for _, sess := range stale {
		sess.ctrl.Close()
	}
	return len(stale)
}

// Run sweeps idle sessions until ctx is done.
func (s *Sessions) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.WithField("sessions", n).Debug("session.swept")
			}
		}
	}
}

// Close closes every session.
func (s *Sessions) Close() {
	s.mu.Lock()
	all := s.byID
	s.byID = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range all {
		sess.ctrl.Close()
	}
}

// Len reports the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
