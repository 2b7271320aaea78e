package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/linolazarous/app/internal/apperr"
)

// SignatureHeader carries the provider signature on webhook requests
const SignatureHeader = "Billing-Signature"

// Sign builds a signature header for payload at ts. Used by tests and by
// tooling that replays archived events.
func Sign(payload []byte, secret string, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + computeSignature(payload, secret, unix)
}

// VerifySignature checks a header of the form t=<unix>,v1=<hex> against
// payload. The timestamp must lie within tolerance of now when tolerance is
// positive. Any failure is an authentication error with reason
// signature_invalid.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return apperr.Authentication(apperr.ReasonSignatureInvalid, "webhook secret is not configured")
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return apperr.Authentication(apperr.ReasonSignatureInvalid, err.Error())
	}

	expected := computeSignature(payload, secret, timestamp)
	matched := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			matched = true
			break
		}
	}
	if !matched {
		return apperr.Authentication(apperr.ReasonSignatureInvalid, "signature mismatch")
	}

	if tolerance > 0 {
		unix, _ := strconv.ParseInt(timestamp, 10, 64)
		age := now.Sub(time.Unix(unix, 0))
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return apperr.Authentication(apperr.ReasonSignatureInvalid, "signature timestamp outside tolerance")
		}
	}
	return nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	if strings.TrimSpace(header) == "" {
		return "", nil, fmt.Errorf("missing signature header")
	}

	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}

	if timestamp == "" {
		return "", nil, fmt.Errorf("signature header has no timestamp")
	}
	if _, err := strconv.ParseInt(timestamp, 10, 64); err != nil {
		return "", nil, fmt.Errorf("signature header has an invalid timestamp")
	}
	if len(signatures) == 0 {
		return "", nil, fmt.Errorf("signature header has no v1 signature")
	}
	return timestamp, signatures, nil
}

func computeSignature(payload []byte, secret, timestamp string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
