package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// SignaturePrefix precedes the hex digest in X-Hub-Signature-256.
const SignaturePrefix = "sha256="

// ErrInvalidSignature is returned when a webhook signature does not verify.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Hub-Signature-256 header against body.
func VerifySignature(secret string, body []byte, signature string) error {
	hexSig, ok := strings.CutPrefix(strings.TrimSpace(signature), SignaturePrefix)
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// TwilioVerifier checks X-Twilio-Signature headers.
type TwilioVerifier struct {
	validator client.RequestValidator
}

// NewTwilioVerifier creates a verifier for the account auth token.
func NewTwilioVerifier(authToken string) *TwilioVerifier {
	return &TwilioVerifier{validator: client.NewRequestValidator(authToken)}
}

// Verify checks signature for a form POST to url.
func (v *TwilioVerifier) Verify(url string, params map[string]string, signature string) error {
	if signature == "" || !v.validator.Validate(url, params, signature) {
		return ErrInvalidSignature
	}
	return nil
}
