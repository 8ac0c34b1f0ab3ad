package attendance

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tabaruka/mahudhurio/core"
)

// fingerprintLen is the truncated length of the tamper-evidence tag.
const fingerprintLen = 12

var codecSalt = []byte("mahudhurio.core.attendance.codec")

// payload is the wire shape a QR code encodes. Field order is fixed by the
// struct so any two codec instances produce identical bytes for the same
// token; the teacher's renderer and the student's scanner are independent
// processes and must agree.
type payload struct {
	SessionID   string `json:"sessionId"`
	SubjectID   string `json:"subjectId"`
	ClassID     string `json:"classId"`
	TeacherID   string `json:"teacherId"`
	Generation  int    `json:"generation"`
	IssuedAt    int64  `json:"issuedAt"`
	ValidUntil  int64  `json:"validUntil"`
	Fingerprint string `json:"fingerprint"`
}

// Codec encodes and decodes token payloads and derives their fingerprints.
// The fingerprint is keyed with the server-side secret: it is a
// tamper-evidence tag, not a non-repudiation signature.
type Codec struct {
	key []byte
}

func NewCodec(conf *core.Config) *Codec {
	key := sha256.Sum256(append(codecSalt, conf.SecretKey...))
	return &Codec{key: key[:]}
}

// Encode serializes a token into the string rendered as a QR code.
// Pure function of its inputs.
func (c *Codec) Encode(tok Token) (string, error) {
	data, err := json.Marshal(payload{
		SessionID:   tok.SessionID,
		SubjectID:   tok.SubjectID,
		ClassID:     tok.ClassID,
		TeacherID:   tok.TeacherID,
		Generation:  tok.Generation,
		IssuedAt:    unixMilli(tok.IssuedAt),
		ValidUntil:  unixMilli(tok.ValidUntil),
		Fingerprint: tok.Fingerprint,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses an encoded payload back into a Token. It only answers
// "can I parse this"; time, generation and fingerprint checks belong to
// the scan validator.
func (c *Codec) Decode(raw string) (Token, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Token{}, ErrMalformedToken
	}
	if p.SessionID == "" || p.SubjectID == "" || p.IssuedAt <= 0 || p.Fingerprint == "" {
		return Token{}, ErrMalformedToken
	}
	return Token{
		SessionID:   p.SessionID,
		SubjectID:   p.SubjectID,
		ClassID:     p.ClassID,
		TeacherID:   p.TeacherID,
		Generation:  p.Generation,
		IssuedAt:    fromUnixMilli(p.IssuedAt),
		ValidUntil:  fromUnixMilli(p.ValidUntil),
		Fingerprint: p.Fingerprint,
	}, nil
}

// Fingerprint derives the tamper-evidence tag for a token's identifying
// fields: HMAC-SHA256 over "<session>-<generation>-<subject>-<issuedAt>",
// base64url, truncated.
func (c *Codec) Fingerprint(sessionID string, generation int, subjectID string, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, c.key)
	_, _ = fmt.Fprintf(mac, "%s-%d-%s-%d", sessionID, generation, subjectID, unixMilli(issuedAt))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:fingerprintLen]
}

// Verify re-derives the fingerprint from a decoded token's fields and
// compares it in constant time.
func (c *Codec) Verify(tok Token) error {
	want := c.Fingerprint(tok.SessionID, tok.Generation, tok.SubjectID, tok.IssuedAt)
	if subtle.ConstantTimeCompare([]byte(want), []byte(tok.Fingerprint)) == 0 {
		return ErrBadFingerprint
	}
	return nil
}

// issue mints the token for a session's current generation.
func (c *Codec) issue(s Session, now time.Time) Token {
	issuedAt := fromUnixMilli(unixMilli(now)) // clamp to wire resolution
	return Token{
		SessionID:   s.ID,
		SubjectID:   s.SubjectID,
		ClassID:     s.ClassID,
		TeacherID:   s.TeacherID,
		Generation:  s.Generation,
		IssuedAt:    issuedAt,
		ValidUntil:  issuedAt.Add(s.RotationInterval),
		Fingerprint: c.Fingerprint(s.ID, s.Generation, s.SubjectID, issuedAt),
	}
}
