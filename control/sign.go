package control

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// SignatureWindow is how far a signed command's timestamp may be from now.
const SignatureWindow = 5 * time.Minute

var (
	ErrBadSignature = errors.New("signature verification failed")
	ErrStale        = errors.New("command timestamp out of range")
)

// DecodeSecret parses a base64 shared secret.
func DecodeSecret(base64Secret string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	return secret, nil
}

// mac is HMAC-SHA256 over action, device and data (NUL separated) followed
// by the big-endian timestamp.
func (c Command) mac(secret []byte) []byte {
	msg := make([]byte, 0, len(c.Action)+len(c.Device)+len(c.Data)+10)
	msg = append(msg, string(c.Action)...)
	msg = append(msg, 0)
	msg = append(msg, c.Device...)
	msg = append(msg, 0)
	msg = append(msg, c.Data...)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], c.Timestamp)
	msg = append(msg, tsBuf[:]...)

	m := hmac.New(sha256.New, secret)
	m.Write(msg)
	return m.Sum(nil)
}

// Sign stamps c with ts and its hex signature.
func (c Command) Sign(secret []byte, ts time.Time) Command {
	c.Timestamp = uint64(ts.Unix())
	c.Signature = hex.EncodeToString(c.mac(secret))
	return c
}

// Verify checks c's signature and that its timestamp lies within
// SignatureWindow of now.
func (c Command) Verify(secret []byte, now time.Time) error {
	expected := c.mac(secret)

	ok := false
	if decoded, err := hex.DecodeString(c.Signature); err == nil {
		ok = subtle.ConstantTimeCompare(decoded, expected) == 1
	}
	if !ok {
		if decoded, err := base64.StdEncoding.DecodeString(c.Signature); err == nil {
			ok = subtle.ConstantTimeCompare(decoded, expected) == 1
		}
	}
	if !ok {
		return ErrBadSignature
	}

	ts := time.Unix(int64(c.Timestamp), 0)
	if now.Before(ts.Add(-SignatureWindow)) || now.After(ts.Add(SignatureWindow)) {
		return ErrStale
	}
	return nil
}
