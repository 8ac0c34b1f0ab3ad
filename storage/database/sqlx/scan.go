package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/tabaruka/mahudhurio/core/attendance"
)

// acceptedUniqIdx backs the at-most-one-acceptance invariant; see the
// partial unique index in the migrations.
const acceptedUniqIdx = "scan_attempt_accepted_uniq"

type (
	sessionRow struct {
		ID                      string    `db:"id"`
		SubjectID               string    `db:"subject_id"`
		ClassID                 string    `db:"class_id"`
		TeacherID               string    `db:"teacher_id"`
		CreatedAt               time.Time `db:"created_at"`
		RotationIntervalSeconds int       `db:"rotation_interval_seconds"`
		State                   string    `db:"state"`
		EndedAt                 null.Time `db:"ended_at"`
	}

	scanRow struct {
		ID          int            `db:"id"`
		SessionID   string         `db:"session_id"`
		StudentID   string         `db:"student_id"`
		SubmittedAt time.Time      `db:"submitted_at"`
		RawPayload  string         `db:"raw_payload"`
		Outcome     string         `db:"outcome"`
		Reasons     pq.StringArray `db:"reasons"`
	}

	scanLedger struct {
		db *sqlx.DB
	}
)

var _ attendance.Ledger = (*scanLedger)(nil) // interface compliance check

func NewScanLedger(db *sqlx.DB) attendance.Ledger {
	return &scanLedger{db: db}
}

func (row scanRow) attempt() attendance.ScanAttempt {
	return attendance.ScanAttempt{
		ID:          row.ID,
		SessionID:   row.SessionID,
		StudentID:   row.StudentID,
		SubmittedAt: row.SubmittedAt,
		RawPayload:  row.RawPayload,
		Outcome:     row.Outcome,
		Reasons:     row.Reasons,
	}
}

func (repo *scanLedger) RecordSession(ctx context.Context, s attendance.Session) error {
	row := sessionRow{
		ID:                      s.ID,
		SubjectID:               s.SubjectID,
		ClassID:                 s.ClassID,
		TeacherID:               s.TeacherID,
		CreatedAt:               s.CreatedAt,
		RotationIntervalSeconds: int(s.RotationInterval / time.Second),
		State:                   s.State,
		EndedAt:                 null.TimeFromPtr(nil),
	}
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO attendance_session
			(id, subject_id, class_id, teacher_id, created_at, rotation_interval_seconds, state)
		VALUES
			(:id, :subject_id, :class_id, :teacher_id, :created_at, :rotation_interval_seconds, :state)`,
		row,
	)
	return errors.Wrap(err, "inserting session")
}

func (repo *scanLedger) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	_, err := repo.db.ExecContext(ctx, `
		UPDATE attendance_session SET state = $1, ended_at = $2 WHERE id = $3`,
		attendance.StateEnded, null.TimeFrom(endedAt), sessionID,
	)
	return errors.Wrap(err, "closing session")
}

func (repo *scanLedger) RecordScan(ctx context.Context, att attendance.ScanAttempt) (attendance.ScanAttempt, error) {
	reasons := att.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	err := repo.db.QueryRowContext(ctx, `
		INSERT INTO scan_attempt
			(session_id, student_id, submitted_at, raw_payload, outcome, reasons)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		att.SessionID, att.StudentID, att.SubmittedAt, att.RawPayload, att.Outcome, pq.StringArray(reasons),
	).Scan(&att.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" && pqErr.Constraint == acceptedUniqIdx {
			return attendance.ScanAttempt{}, attendance.ErrAcceptedExists
		}
		return attendance.ScanAttempt{}, errors.Wrap(err, "inserting scan attempt")
	}
	return att, nil
}

func (repo *scanLedger) HasAccepted(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := repo.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM scan_attempt
			WHERE session_id = $1 AND student_id = $2 AND outcome = $3
		)`,
		sessionID, studentID, attendance.Accepted,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "checking accepted scan")
	}
	return exists, nil
}

func (repo *scanLedger) ListScans(ctx context.Context, sessionID string) ([]attendance.ScanAttempt, error) {
	var rows []scanRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, student_id, submitted_at, raw_payload, outcome, reasons
		FROM scan_attempt
		WHERE session_id = $1
		ORDER BY submitted_at DESC, id DESC`,
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "listing scan attempts")
	}
	attempts := make([]attendance.ScanAttempt, 0, len(rows))
	for _, row := range rows {
		attempts = append(attempts, row.attempt())
	}
	return attempts, nil
}

func (repo *scanLedger) CountScans(ctx context.Context, sessionID string) (accepted, total int, err error) {
	err = repo.db.QueryRowContext(ctx, `
		SELECT count(*) FILTER (WHERE outcome = $2), count(*)
		FROM scan_attempt
		WHERE session_id = $1`,
		sessionID, attendance.Accepted,
	).Scan(&accepted, &total)
	if err != nil {
		return 0, 0, errors.Wrap(err, "counting scan attempts")
	}
	return accepted, total, nil
}
