package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Deliberately uninformative; callers answer 403 without detail.
var errBadSignature = errors.New("webhook verification failed")

// verifySignature checks an HMAC-SHA256 of body given as "sha256=<hex>" or
// bare hex.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errBadSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errBadSignature
	}
	if subtle.ConstantTimeCompare(sign(body, secret), got) != 1 {
		return errBadSignature
	}
	return nil
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Signature renders the X-Hub-Signature-256 value for body.
func Signature(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sign(body, secret))
}
