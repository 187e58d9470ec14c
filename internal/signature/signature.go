// Package signature signs and verifies webhook and queue callback bodies.
//
// A header has the form "<unix-ts>.<base64(hmac_sha256(key, ts + "." + body))>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

const DefaultMaxSkew = 5 * time.Minute

var (
	ErrMissing   = errors.New("signature header missing")
	ErrMalformed = errors.New("signature header malformed")
	ErrExpired   = errors.New("signature timestamp outside tolerance")
	ErrMismatch  = errors.New("signature mismatch")
	ErrNoKeys    = errors.New("no signing keys configured")
)

type Verifier struct {
	keys    []string
	maxSkew time.Duration
}

// NewVerifier accepts keys in preference order (current, next). Empty keys are ignored.
func NewVerifier(maxSkew time.Duration, keys ...string) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	v := &Verifier{maxSkew: maxSkew}
	for _, k := range keys {
		if k != "" {
			v.keys = append(v.keys, k)
		}
	}
	return v
}

func (v *Verifier) Verify(header string, body []byte, now time.Time) error {
	if len(v.keys) == 0 {
		return ErrNoKeys
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissing
	}
	tsPart, macPart, ok := strings.Cut(header, ".")
	if !ok || tsPart == "" || macPart == "" {
		return ErrMalformed
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrMalformed
	}
	got, err := base64.StdEncoding.DecodeString(macPart)
	if err != nil {
		return ErrMalformed
	}

	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return ErrExpired
	}

	for _, k := range v.keys {
		if hmac.Equal(got, mac(k, tsPart, body)) {
			return nil
		}
	}
	return ErrMismatch
}

func (v *Verifier) Valid(header string, body []byte, now time.Time) bool {
	return v.Verify(header, body, now) == nil
}

// Sign builds a header for body at the given time.
func Sign(key string, body []byte, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return ts + "." + base64.StdEncoding.EncodeToString(mac(key, ts, body))
}

func mac(key, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}
