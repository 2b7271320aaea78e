package billing

import (
	"testing"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	now := time.Unix(1767225600, 0)
	valid := Sign(payload, secret, now)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		now     time.Time
		wantErr bool
	}{
		{"valid", payload, valid, secret, now, false},
		{"within tolerance", payload, valid, secret, now.Add(4 * time.Minute), false},
		{"outside tolerance", payload, valid, secret, now.Add(6 * time.Minute), true},
		{"tampered payload", []byte(`{"id":"evt_2"}`), valid, secret, now, true},
		{"wrong secret", payload, valid, "whsec_other", now, true},
		{"empty header", payload, "", secret, now, true},
		{"no timestamp", payload, "v1=abcd", secret, now, true},
		{"no signature", payload, "t=1767225600", secret, now, true},
		{"garbage timestamp", payload, "t=soon,v1=abcd", secret, now, true},
		{"missing secret", payload, valid, "", now, true},
		{"second signature matches", payload, "t=1767225600,v1=deadbeef," + valid[len("t=1767225600,"):], secret, now, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.payload, tt.header, tt.secret, 5*time.Minute, tt.now)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.HasReason(err, apperr.CodeAuthentication, apperr.ReasonSignatureInvalid), "got %v", err)
		})
	}
}

func TestVerifySignatureWithoutTolerance(t *testing.T) {
	payload := []byte(`{}`)
	header := Sign(payload, "s", time.Unix(1000, 0))

	assert.NoError(t, VerifySignature(payload, header, "s", 0, time.Unix(1000, 0).Add(24*time.Hour)))
}
