package attendance

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tabaruka/mahudhurio/core"
)

// Rejection reasons; user-facing, one per failed check.
const (
	ReasonMalformed      = "malformed token"
	ReasonBadFingerprint = "invalid token fingerprint"
	ReasonInactive       = "session not found or inactive"
	ReasonExpired        = "token has expired"
	ReasonBadTimestamp   = "token timestamp is invalid"
	ReasonDuplicate      = "already scanned for this session"
)

// Validator decides the outcome of submitted scan payloads. Checks
// short-circuit on the first failure so the client gets one clear primary
// cause. Every attempt, accepted or not, is appended to the ledger exactly
// once; a non-nil error from Submit means the ledger was unreachable and
// carries no judgment about the scan itself.
type Validator struct {
	codec    *Codec
	registry *Registry
	ledger   Ledger
	clock    func() time.Time
	skew     time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewValidator(conf *core.Config, codec *Codec, registry *Registry, ledger Ledger) *Validator {
	return &Validator{
		codec:    codec,
		registry: registry,
		ledger:   ledger,
		clock:    func() time.Time { return NowFunc() },
		skew:     conf.Attendance.ClockSkewTolerance,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Submit validates a raw payload scanned by studentID and records the
// attempt. The validator never mutates the session registry.
func (v *Validator) Submit(ctx context.Context, studentID, rawPayload string) (ScanAttempt, error) {
	att := ScanAttempt{
		StudentID:   studentID,
		SubmittedAt: v.clock().UTC(),
		RawPayload:  rawPayload,
	}

	// 1. parse
	tok, err := v.codec.Decode(rawPayload)
	if err != nil {
		return v.reject(ctx, att, RejectedInvalid, ReasonMalformed)
	}
	att.SessionID = tok.SessionID

	// 2. tamper evidence
	if err := v.codec.Verify(tok); err != nil {
		return v.reject(ctx, att, RejectedInvalid, ReasonBadFingerprint)
	}

	// 3. session existence / activity
	_, gen, err := v.registry.ActiveToken(tok.SessionID)
	if err != nil {
		return v.reject(ctx, att, RejectedInactive, ReasonInactive)
	}

	// 4. generation currency; a superseded generation is never valid again
	// regardless of its nominal validUntil
	if tok.Generation != gen {
		return v.reject(ctx, att, RejectedExpired, ReasonExpired)
	}

	// 5. clock-window sanity against forged/backdated payloads
	if att.SubmittedAt.Before(tok.IssuedAt.Add(-v.skew)) {
		return v.reject(ctx, att, RejectedInvalid, ReasonBadTimestamp)
	}

	// 6. duplicate check + accept, atomic per (session, student); the
	// ledger's uniqueness constraint is the real safety net
	unlock := v.lock(tok.SessionID + "/" + studentID)
	defer unlock()

	dup, err := v.ledger.HasAccepted(ctx, tok.SessionID, studentID)
	if err != nil {
		return ScanAttempt{}, errors.Wrap(err, "checking for prior acceptance")
	}
	if dup {
		return v.reject(ctx, att, RejectedDuplicate, ReasonDuplicate)
	}

	att.Outcome = Accepted
	att.Reasons = []string{}
	rec, err := v.ledger.RecordScan(ctx, att)
	if errors.Cause(err) == ErrAcceptedExists {
		// lost the race; record the loser as a duplicate
		return v.reject(ctx, att, RejectedDuplicate, ReasonDuplicate)
	}
	if err != nil {
		return ScanAttempt{}, errors.Wrap(err, "recording accepted scan")
	}
	return rec, nil
}

func (v *Validator) reject(ctx context.Context, att ScanAttempt, outcome, reason string) (ScanAttempt, error) {
	att.Outcome = outcome
	att.Reasons = []string{reason}
	rec, err := v.ledger.RecordScan(ctx, att)
	if err != nil {
		return ScanAttempt{}, errors.Wrap(err, "recording rejected scan")
	}
	return rec, nil
}

// lock serializes the check-then-write window per (session, student) key.
func (v *Validator) lock(key string) func() {
	v.mu.Lock()
	m, ok := v.locks[key]
	if !ok {
		m = new(sync.Mutex)
		v.locks[key] = m
	}
	v.mu.Unlock()
	m.Lock()
	return m.Unlock
}
