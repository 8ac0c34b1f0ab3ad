package attendance

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tabaruka/mahudhurio/core"
)

func testConfig() *core.Config {
	return &core.Config{
		SecretKey: "secret",
		Attendance: core.AttendanceConfig{
			RotationInterval:   15 * time.Second,
			ClockSkewTolerance: 30 * time.Second,
		},
	}
}

func testToken(codec *Codec, now time.Time) Token {
	sess := Session{
		ID:               "ATT-1756345000123-9F3A2B",
		SubjectID:        "MATH101",
		ClassID:          "CLS-7A",
		TeacherID:        "TCH-42",
		RotationInterval: 15 * time.Second,
		State:            StateActive,
		Generation:       3,
	}
	return codec.issue(sess, now)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec(testConfig())
	tok := testToken(codec, time.Now())

	payload, err := codec.Encode(tok)
	assert.NoError(t, err)

	got, err := codec.Decode(payload)
	assert.NoError(t, err)
	assert.Equal(t, tok, got)
	assert.NoError(t, codec.Verify(got))
}

func TestEncodeIsDeterministic(t *testing.T) {
	// the teacher's renderer and the student's scanner are independent
	// codec instances; same inputs must yield identical payloads
	conf := testConfig()
	tok := testToken(NewCodec(conf), time.Now())

	p1, err := NewCodec(conf).Encode(tok)
	assert.NoError(t, err)
	p2, err := NewCodec(conf).Encode(tok)
	assert.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestDecodeMalformed(t *testing.T) {
	codec := NewCodec(testConfig())

	tests := []struct {
		name    string
		payload string
	}{
		{name: "empty", payload: ""},
		{name: "not json", payload: "lmaooolol"},
		{name: "json array", payload: `[1,2,3]`},
		{name: "missing session", payload: `{"subjectId":"MATH101","issuedAt":1756345000123,"fingerprint":"abc"}`},
		{name: "missing subject", payload: `{"sessionId":"ATT-1-A","issuedAt":1756345000123,"fingerprint":"abc"}`},
		{name: "zero issuedAt", payload: `{"sessionId":"ATT-1-A","subjectId":"MATH101","fingerprint":"abc"}`},
		{name: "missing fingerprint", payload: `{"sessionId":"ATT-1-A","subjectId":"MATH101","issuedAt":1756345000123}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.payload)
			assert.Equal(t, ErrMalformedToken, err)
		})
	}
}

func TestFingerprintDetectsTampering(t *testing.T) {
	codec := NewCodec(testConfig())
	tok := testToken(codec, time.Now())
	payload, err := codec.Encode(tok)
	assert.NoError(t, err)

	mutations := map[string]interface{}{
		"sessionId":  "ATT-1756345000123-FFFFFF",
		"subjectId":  "PHYS201",
		"generation": 4,
		"issuedAt":   unixMilli(tok.IssuedAt) + 60000,
	}
	for field, value := range mutations {
		t.Run(field, func(t *testing.T) {
			var m map[string]interface{}
			assert.NoError(t, json.Unmarshal([]byte(payload), &m))
			m[field] = value
			edited, err := json.Marshal(m)
			assert.NoError(t, err)

			got, err := codec.Decode(string(edited))
			if err != nil {
				assert.Equal(t, ErrMalformedToken, err)
				return
			}
			assert.Equal(t, ErrBadFingerprint, codec.Verify(got))
		})
	}
}

func TestFingerprintKeyedBySecret(t *testing.T) {
	confA := testConfig()
	confB := testConfig()
	confB.SecretKey = "a different secret"

	now := time.Now()
	fpA := NewCodec(confA).Fingerprint("ATT-1-A", 0, "MATH101", now)
	fpB := NewCodec(confB).Fingerprint("ATT-1-A", 0, "MATH101", now)

	assert.Len(t, fpA, fingerprintLen)
	assert.NotEqual(t, fpA, fpB)
}
