package dummydb

import (
	"context"
	"time"

	"github.com/tabaruka/mahudhurio/core/attendance"
)

type scanLedger struct {
	scans    *scanTable
	sessions *sessionTable
}

var _ attendance.Ledger = (*scanLedger)(nil) // interface compliance check

func NewScanLedger(db *DB) attendance.Ledger {
	return &scanLedger{scans: db.scans, sessions: db.sessions}
}

func (repo *scanLedger) RecordSession(ctx context.Context, s attendance.Session) error {
	repo.sessions.Lock()
	defer repo.sessions.Unlock()
	repo.sessions.table[s.ID] = &s
	return nil
}

func (repo *scanLedger) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	repo.sessions.Lock()
	defer repo.sessions.Unlock()
	if s, ok := repo.sessions.table[sessionID]; ok {
		s.State = attendance.StateEnded
		s.EndedAt = endedAt
	}
	return nil
}

func (repo *scanLedger) RecordScan(ctx context.Context, att attendance.ScanAttempt) (attendance.ScanAttempt, error) {
	repo.scans.Lock()
	defer repo.scans.Unlock()

	if att.Outcome == attendance.Accepted {
		for _, row := range repo.scans.rows {
			if row.SessionID == att.SessionID && row.StudentID == att.StudentID && row.Outcome == attendance.Accepted {
				return attendance.ScanAttempt{}, attendance.ErrAcceptedExists
			}
		}
	}

	att.ID = len(repo.scans.rows) + 1
	repo.scans.rows = append(repo.scans.rows, att)
	return att, nil
}

func (repo *scanLedger) HasAccepted(ctx context.Context, sessionID, studentID string) (bool, error) {
	repo.scans.RLock()
	defer repo.scans.RUnlock()

	for _, row := range repo.scans.rows {
		if row.SessionID == sessionID && row.StudentID == studentID && row.Outcome == attendance.Accepted {
			return true, nil
		}
	}
	return false, nil
}

func (repo *scanLedger) ListScans(ctx context.Context, sessionID string) ([]attendance.ScanAttempt, error) {
	repo.scans.RLock()
	defer repo.scans.RUnlock()

	var attempts []attendance.ScanAttempt
	// rows are append-ordered; walk backwards for most-recent-first
	for i := len(repo.scans.rows) - 1; i >= 0; i-- {
		if repo.scans.rows[i].SessionID == sessionID {
			attempts = append(attempts, repo.scans.rows[i])
		}
	}
	return attempts, nil
}

func (repo *scanLedger) CountScans(ctx context.Context, sessionID string) (accepted, total int, err error) {
	repo.scans.RLock()
	defer repo.scans.RUnlock()

	for _, row := range repo.scans.rows {
		if row.SessionID != sessionID {
			continue
		}
		total++
		if row.Outcome == attendance.Accepted {
			accepted++
		}
	}
	return accepted, total, nil
}
