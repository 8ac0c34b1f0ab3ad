package attendance

import (
	"context"
	"errors"
	"time"
)

// Session states
const (
	StateActive = "active"
	StateEnded  = "ended"
)

// Scan outcomes
const (
	Accepted          = "accepted"
	RejectedExpired   = "rejected_expired"
	RejectedInvalid   = "rejected_invalid"
	RejectedInactive  = "rejected_inactive"
	RejectedDuplicate = "rejected_duplicate"
)

var (
	// errors
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrInvalidInterval  = errors.New("rotation interval must be positive")
	ErrMalformedToken   = errors.New("malformed token payload")
	ErrBadFingerprint   = errors.New("token fingerprint mismatch")
	ErrAcceptedExists   = errors.New("an accepted scan already exists for this student and session")
)

type (
	// Session is the authoritative state of one attendance-taking window.
	// Only the Registry writes State, Generation and CurrentToken.
	Session struct {
		ID               string        `json:"id"`
		SubjectID        string        `json:"subject_id"`
		ClassID          string        `json:"class_id"`
		TeacherID        string        `json:"teacher_id"`
		CreatedAt        time.Time     `json:"created_at"`
		RotationInterval time.Duration `json:"rotation_interval"`
		State            string        `json:"state"`
		Generation       int           `json:"generation"`
		CurrentToken     Token         `json:"-"`
		EndedAt          time.Time     `json:"ended_at,omitempty"`
	}

	// Token is the rotating credential a QR code carries. It is re-derivable
	// from its owning session and never persisted as a source of truth.
	Token struct {
		SessionID   string    `json:"session_id"`
		SubjectID   string    `json:"subject_id"`
		ClassID     string    `json:"class_id"`
		TeacherID   string    `json:"teacher_id"`
		Generation  int       `json:"generation"`
		IssuedAt    time.Time `json:"issued_at"`
		ValidUntil  time.Time `json:"valid_until"`
		Fingerprint string    `json:"fingerprint"`
	}

	// ScanAttempt is one student submission, accepted or not. Every attempt
	// is kept in the ledger as evidence for later dispute resolution.
	ScanAttempt struct {
		ID          int       `json:"id"`
		SessionID   string    `json:"session_id"`
		StudentID   string    `json:"student_id"`
		SubmittedAt time.Time `json:"submitted_at"`
		RawPayload  string    `json:"raw_payload"`
		Outcome     string    `json:"outcome"`
		Reasons     []string  `json:"reasons"`
	}

	// Snapshot is the live view a teacher dashboard polls.
	Snapshot struct {
		State      string `json:"state"`
		Generation int    `json:"generation"`
		ScanCount  int    `json:"scan_count"`
	}

	// Ledger is the external persisted record of sessions and scan attempts.
	// Implementations must be safe for concurrent use; RecordScan returns
	// ErrAcceptedExists when an accepted attempt for the same
	// (session, student) pair is already on record.
	Ledger interface {
		RecordSession(ctx context.Context, s Session) error
		CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error
		RecordScan(ctx context.Context, att ScanAttempt) (ScanAttempt, error)
		HasAccepted(ctx context.Context, sessionID, studentID string) (bool, error)
		// ListScans returns a session's attempts, most recent first.
		ListScans(ctx context.Context, sessionID string) ([]ScanAttempt, error)
		CountScans(ctx context.Context, sessionID string) (accepted, total int, err error)
	}
)

// IsAccepted reports whether the attempt was accepted as proof of presence.
func (att ScanAttempt) IsAccepted() bool {
	return att.Outcome == Accepted
}

// unixMilli converts t to unix milliseconds; the wire resolution of all
// token timestamps.
func unixMilli(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromUnixMilli(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
