package webhooksub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayload returns the Webhook-Signature header value for body signed
// with secret: "sha256=<hex_hmac>" (§6 Webhook POST), grounded on the
// teacher's webhook/crypto.go SignWebhookPayload.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is a valid "sha256=<hex>" signature
// of body under secret, compared in constant time.
func VerifySignature(secret string, body []byte, sig string) bool {
	const prefix = "sha256="
	if len(sig) <= len(prefix) || sig[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(sig[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
