package attendance_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/tabaruka/mahudhurio/core/attendance"
)

func setupValidator(t *testing.T) (*attendance.Validator, *attendance.Registry, *attendance.Codec, attendance.Ledger) {
	t.Helper()
	registry, codec, ledger := setup(t)
	v := attendance.NewValidator(testConf(), codec, registry, ledger)
	return v, registry, codec, ledger
}

func currentPayload(t *testing.T, registry *attendance.Registry, codec *attendance.Codec, sessionID string) string {
	t.Helper()
	tok, _, err := registry.ActiveToken(sessionID)
	if err != nil {
		t.Fatalf("currentPayload() failed: %v", err)
	}
	payload, err := codec.Encode(tok)
	if err != nil {
		t.Fatalf("currentPayload() failed: %v", err)
	}
	return payload
}

func TestSubmitAcceptThenDuplicate(t *testing.T) {
	v, registry, codec, _ := setupValidator(t)
	sess, err := registry.Create("MATH101", "CLS-7A", "TCH-42", manualInterval)
	assert.NoError(t, err)
	payload := currentPayload(t, registry, codec, sess.ID)

	att, err := v.Submit(context.Background(), "STU-1", payload)
	assert.NoError(t, err)
	assert.Equal(t, attendance.Accepted, att.Outcome)
	assert.Empty(t, att.Reasons)

	// same student, same (still current) token
	att, err = v.Submit(context.Background(), "STU-1", payload)
	assert.NoError(t, err)
	assert.Equal(t, attendance.RejectedDuplicate, att.Outcome)
	assert.Equal(t, []string{attendance.ReasonDuplicate}, att.Reasons)

	// a different student is unaffected
	att, err = v.Submit(context.Background(), "STU-2", payload)
	assert.NoError(t, err)
	assert.Equal(t, attendance.Accepted, att.Outcome)
}

func TestSubmitStaleGeneration(t *testing.T) {
	v, registry, codec, _ := setupValidator(t)
	sess, err := registry.Create("MATH101", "CLS-7A", "TCH-42", manualInterval)
	assert.NoError(t, err)
	stale := currentPayload(t, registry, codec, sess.ID)

	_, err = registry.Rotate(sess.ID)
	assert.NoError(t, err)

	// the captured token's validUntil window has NOT elapsed; superseded
	// generations are rejected regardless
	att, err := v.Submit(context.Background(), "STU-2", stale)
	assert.NoError(t, err)
	assert.Equal(t, attendance.RejectedExpired, att.Outcome)
	assert.Equal(t, []string{attendance.ReasonExpired}, att.Reasons)
}

func TestSubmitMalformed(t *testing.T) {
	v, _, _, ledger := setupValidator(t)

	att, err := v.Submit(context.Background(), "STU-1", "{not json")
	assert.NoError(t, err)
	assert.Equal(t, attendance.RejectedInvalid, att.Outcome)
	assert.Equal(t, []string{attendance.ReasonMalformed}, att.Reasons)

	// rejected attempts are evidence, not silently dropped
	_, total, err := ledger.CountScans(context.Background(), "")
	assert.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSubmitTamperedPayload(t *testing.T) {
	v, registry, codec, _ := setupValidator(t)
	sess, err := registry.Create("MATH101", "CLS-7A", "TCH-42", manualInterval)
	assert.NoError(t, err)
	payload := currentPayload(t, registry, codec, sess.ID)

	var m map[string]interface{}
	assert.NoError(t, json.Unmarshal([]byte(payload), &m))
	m["subjectId"] = "PHYS201"
	edited, err := json.Marshal(m)
	assert.NoError(t, err)

	att, err := v.Submit(context.Background(), "STU-1", string(edited))
	assert.NoError(t, err)
	assert.Equal(t, attendance.RejectedInvalid, att.Outcome)
	assert.Equal(t, []string{attendance.ReasonBadFingerprint}, att.Reasons)
}

func TestSubmitUnknownOrEndedSession(t *testing.T) {
	v, registry, codec, _ := setupValidator(t)
	sess, err := registry.Create("MATH101", "CLS-7A", "TCH-42", manualInterval)
	assert.NoError(t, err)
	payload := currentPayload(t, registry, codec, sess.ID)

	assert.NoError(t, registry.End(sess.ID))

	// last-known-good token after endSession
	att, err := v.Submit(context.Background(), "STU-1", payload)
	assert.NoError(t, err)
	assert.Equal(t, attendance.RejectedInactive, att.Outcome)
	assert.Equal(t, []string{attendance.ReasonInactive}, att.Reasons)

	// unknown session, self-consistent fingerprint
	codec2 := attendance.NewCodec(testConf())
	ghost := attendance.Token{
		SessionID: "ATT-1-GHOST", SubjectID: "MATH101", ClassID: "CLS-7A", TeacherID: "TCH-42",
		IssuedAt: time.Now(), ValidUntil: time.Now().Add(time.Minute),
	}
	ghost.Fingerprint = codec2.Fingerprint(ghost.SessionID, ghost.Generation, ghost.SubjectID, ghost.IssuedAt)
	raw, err := codec2.Encode(ghost)
	assert.NoError(t, err)

	att, err = v.Submit(context.Background(), "STU-1", raw)
	assert.NoError(t, err)
	assert.Equal(t, attendance.RejectedInactive, att.Outcome)
}

func TestSubmitBackdatedClock(t *testing.T) {
	v, registry, codec, _ := setupValidator(t)
	sess, err := registry.Create("MATH101", "CLS-7A", "TCH-42", manualInterval)
	assert.NoError(t, err)
	payload := currentPayload(t, registry, codec, sess.ID)

	// the submitter's observed time precedes issuance by more than the
	// skew tolerance: the payload claims a future issuedAt
	attendance.NowFunc = func() time.Time { return time.Now().Add(-31 * time.Second) }
	defer func() { attendance.NowFunc = time.Now }()

	att, err := v.Submit(context.Background(), "STU-1", payload)
	assert.NoError(t, err)
	assert.Equal(t, attendance.RejectedInvalid, att.Outcome)
	assert.Equal(t, []string{attendance.ReasonBadTimestamp}, att.Reasons)
}

func TestSubmitWithinSkewTolerance(t *testing.T) {
	v, registry, codec, _ := setupValidator(t)
	sess, err := registry.Create("MATH101", "CLS-7A", "TCH-42", manualInterval)
	assert.NoError(t, err)
	payload := currentPayload(t, registry, codec, sess.ID)

	attendance.NowFunc = func() time.Time { return time.Now().Add(-29 * time.Second) }
	defer func() { attendance.NowFunc = time.Now }()

	att, err := v.Submit(context.Background(), "STU-1", payload)
	assert.NoError(t, err)
	assert.Equal(t, attendance.Accepted, att.Outcome)
}

func TestConcurrentSubmissionsSingleAccept(t *testing.T) {
	v, registry, codec, _ := setupValidator(t)
	sess, err := registry.Create("MATH101", "CLS-7A", "TCH-42", manualInterval)
	assert.NoError(t, err)
	payload := currentPayload(t, registry, codec, sess.ID)

	const parallel = 8
	outcomes := make([]string, parallel)
	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			att, err := v.Submit(context.Background(), "STU-3", payload)
			if err != nil {
				t.Errorf("Submit() failed: %v", err)
				return
			}
			outcomes[i] = att.Outcome
		}(i)
	}
	wg.Wait()

	var accepted, duplicate int
	for _, out := range outcomes {
		switch out {
		case attendance.Accepted:
			accepted++
		case attendance.RejectedDuplicate:
			duplicate++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, parallel-1, duplicate)
}

func TestEveryAttemptIsLedgered(t *testing.T) {
	v, registry, codec, ledger := setupValidator(t)
	sess, err := registry.Create("MATH101", "CLS-7A", "TCH-42", manualInterval)
	assert.NoError(t, err)
	payload := currentPayload(t, registry, codec, sess.ID)

	_, _ = v.Submit(context.Background(), "STU-1", payload) // accepted
	_, _ = v.Submit(context.Background(), "STU-1", payload) // duplicate
	stale := payload
	_, err = registry.Rotate(sess.ID)
	assert.NoError(t, err)
	_, _ = v.Submit(context.Background(), "STU-2", stale) // expired

	scans, err := ledger.ListScans(context.Background(), sess.ID)
	assert.NoError(t, err)
	assert.Len(t, scans, 3)
	// most recent first
	assert.Equal(t, attendance.RejectedExpired, scans[0].Outcome)
	assert.Equal(t, attendance.RejectedDuplicate, scans[1].Outcome)
	assert.Equal(t, attendance.Accepted, scans[2].Outcome)
}

// brokenLedger simulates an unreachable store.
type brokenLedger struct {
	attendance.Ledger
}

func (brokenLedger) RecordScan(ctx context.Context, att attendance.ScanAttempt) (attendance.ScanAttempt, error) {
	return attendance.ScanAttempt{}, errors.New("connection refused")
}

func (brokenLedger) HasAccepted(ctx context.Context, sessionID, studentID string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestSubmitLedgerUnavailable(t *testing.T) {
	registry, codec, ledger := setup(t)
	sess, err := registry.Create("MATH101", "CLS-7A", "TCH-42", manualInterval)
	assert.NoError(t, err)
	payload := currentPayload(t, registry, codec, sess.ID)

	v := attendance.NewValidator(testConf(), codec, registry, brokenLedger{Ledger: ledger})

	// infrastructure failure is surfaced distinctly, with no outcome judgment
	att, err := v.Submit(context.Background(), "STU-1", payload)
	assert.Error(t, err)
	assert.Empty(t, att.Outcome)
}
