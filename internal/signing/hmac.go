// Package signing authenticates inbound webhook bodies with an HMAC-SHA256
// signature over "<unix timestamp>.<body>".
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	HeaderTimestamp = "X-Salondesk-Timestamp"
	HeaderSignature = "X-Salondesk-Signature"

	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingSignature  = errors.New("signing: missing signature or timestamp")
	ErrTimestampExpired  = errors.New("signing: timestamp outside tolerance")
	ErrSignatureMismatch = errors.New("signing: signature mismatch")
)

// Sign returns the "v1=<hex>" signature of payload at ts.
func Sign(secret string, payload []byte, ts time.Time) string {
	return "v1=" + hex.EncodeToString(mac(secret, ts.Unix(), payload))
}

func mac(secret string, ts int64, payload []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(m, "%d.", ts)
	m.Write(payload)
	return m.Sum(nil)
}

type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// Verify checks the timestamp header against the tolerance window and the
// signature header against the payload.
func (v *Verifier) Verify(payload []byte, timestamp, signature string) error {
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMissingSignature
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.tolerance {
		return ErrTimestampExpired
	}

	expected := "v1=" + hex.EncodeToString(mac(v.secret, ts, payload))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}
