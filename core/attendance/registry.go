package attendance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tabaruka/mahudhurio/core"
)

// NowFunc supplies the current time; swapped out in tests.
var NowFunc = time.Now

type (
	// session pairs the authoritative state with its own lock and rotation
	// loop. Sessions are fully independent; one session's rotation never
	// contends with another's.
	session struct {
		mu   sync.Mutex
		data Session
		stop chan struct{}
		once sync.Once
	}

	// Registry owns the lifecycle of all attendance sessions. It is the
	// only writer of a session's state, generation and current token.
	Registry struct {
		codec  *Codec
		ledger Ledger
		logger core.Logger
		clock  func() time.Time

		mu       sync.RWMutex
		sessions map[string]*session
	}
)

func NewRegistry(codec *Codec, ledger Ledger, logger core.Logger) *Registry {
	return &Registry{
		codec:    codec,
		ledger:   ledger,
		logger:   logger,
		clock:    func() time.Time { return NowFunc() },
		sessions: make(map[string]*session),
	}
}

// newSessionID allocates a time-seeded, human-legible session identifier,
// e.g. ATT-1756345000123-9F3A2B.
func newSessionID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
	return fmt.Sprintf("ATT-%d-%s", unixMilli(now), suffix)
}

// Create starts a new Active session and immediately issues its
// generation-0 token. The per-session rotation loop replaces the token
// every interval until the session ends.
func (r *Registry) Create(subjectID, classID, teacherID string, interval time.Duration) (Session, error) {
	if interval <= 0 {
		return Session{}, ErrInvalidInterval
	}

	now := r.clock().UTC()
	s := &session{
		data: Session{
			ID:               newSessionID(now),
			SubjectID:        subjectID,
			ClassID:          classID,
			TeacherID:        teacherID,
			CreatedAt:        now,
			RotationInterval: interval,
			State:            StateActive,
			Generation:       0,
		},
		stop: make(chan struct{}),
	}
	s.data.CurrentToken = r.codec.issue(s.data, now)

	r.mu.Lock()
	r.sessions[s.data.ID] = s
	r.mu.Unlock()

	// audit record; the in-process state stays authoritative
	if err := r.ledger.RecordSession(context.Background(), s.data); err != nil {
		r.logger.Warn("recording session to ledger", errors.Wrap(err, s.data.ID))
	}

	go r.rotateLoop(s)

	return s.data, nil
}

// rotateLoop drives rotation on a wall-clock cadence, independent of scan
// arrivals, to bound the exposure window of a captured code.
func (r *Registry) rotateLoop(s *session) {
	ticker := time.NewTicker(s.data.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.Rotate(s.data.ID); err != nil {
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (r *Registry) lookup(sessionID string) (*session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Rotate increments the session's generation and replaces its token. The
// generation number and token fields are swapped under one lock so a
// concurrent reader never observes a torn update.
func (r *Registry) Rotate(sessionID string) (Token, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return Token{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.State != StateActive {
		return Token{}, ErrSessionNotActive
	}
	s.data.Generation++
	s.data.CurrentToken = r.codec.issue(s.data, r.clock().UTC())
	return s.data.CurrentToken, nil
}

// End transitions the session to Ended and cancels its rotation loop.
// Ending an already-ended session is a no-op so duplicate teacher "stop"
// clicks are tolerated.
func (r *Registry) End(sessionID string) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.data.State == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.data.State = StateEnded
	s.data.EndedAt = r.clock().UTC()
	endedAt := s.data.EndedAt
	s.mu.Unlock()

	s.once.Do(func() { close(s.stop) })

	if err := r.ledger.CloseSession(context.Background(), sessionID, endedAt); err != nil {
		r.logger.Warn("closing session in ledger", errors.Wrap(err, sessionID))
	}
	return nil
}

// ActiveToken returns a consistent snapshot of the session's current token
// and generation; the only read path the scan validator uses.
func (r *Registry) ActiveToken(sessionID string) (Token, int, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return Token{}, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.State != StateActive {
		return Token{}, 0, ErrSessionNotActive
	}
	return s.data.CurrentToken, s.data.Generation, nil
}

// Get returns a copy of the session's full state.
func (r *Registry) Get(sessionID string) (Session, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, nil
}

// Snapshot serves the teacher dashboard's live view; the scan count comes
// from the ledger's accepted attempts.
func (r *Registry) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	snap := Snapshot{State: s.data.State, Generation: s.data.Generation}
	s.mu.Unlock()

	accepted, _, err := r.ledger.CountScans(ctx, sessionID)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "counting scans")
	}
	snap.ScanCount = accepted
	return snap, nil
}

// Close stops every session's rotation loop; part of graceful shutdown.
// Session states are left as-is.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.once.Do(func() { close(s.stop) })
	}
}
