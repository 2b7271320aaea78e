package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/linolazarous/app/internal/apperr"
)

// ParseAccountDocument converts a raw persisted account document (as exported
// from the legacy document store) into a typed Account. Required fields that are
// missing or of the wrong type fail with a validation error; nothing is defaulted.
//
// Required: id, email, name, plan, credits, credits_used, email_verified, created_at.
// Optional: password_hash, is_admin, verification_token, github_id, github_username,
// github_avatar_url, github_access_token.
func ParseAccountDocument(doc map[string]any) (*Account, error) {
	p := docParser{doc: doc}

	account := &Account{
		ID:            p.requiredString("id"),
		Email:         strings.ToLower(p.requiredString("email")),
		Name:          p.requiredString("name"),
		CreditsUsed:   p.requiredInt("credits_used"),
		EmailVerified: p.requiredBool("email_verified"),
		CreatedAt:     p.requiredTime("created_at"),
	}
	account.CreditsAllowance = p.requiredInt("credits")

	if raw := p.requiredString("plan"); raw != "" {
		tier, err := ParsePlanTier(raw)
		if err != nil {
			p.fail("plan", "unknown tier %q", raw)
		}
		account.Plan = tier
	}

	account.PasswordHash = p.optionalString("password_hash")
	account.IsAdmin = p.optionalBool("is_admin")
	account.VerificationToken = p.optionalString("verification_token")

	if providerID := p.optionalID("github_id"); providerID != "" {
		account.Identity = &ExternalIdentity{
			Provider:   ProviderGitHub,
			ProviderID: providerID,
			Profile: IdentityProfile{
				Login:     p.optionalString("github_username"),
				AvatarURL: p.optionalString("github_avatar_url"),
			},
			AccessToken: p.optionalString("github_access_token"),
		}
	}

	if p.err != nil {
		return nil, p.err
	}
	if account.CreditsUsed < 0 || account.CreditsAllowance < 0 {
		return nil, apperr.Validation("account document: credit fields must be non-negative")
	}
	if account.CreditsUsed > account.CreditsAllowance {
		return nil, apperr.Validation("account document: credits_used exceeds credits")
	}
	account.UpdatedAt = account.CreatedAt
	return account, nil
}

type docParser struct {
	doc map[string]any
	err error
}

func (p *docParser) fail(field, format string, args ...any) {
	if p.err != nil {
		return
	}
	p.err = apperr.Validation(fmt.Sprintf("account document: field %q: %s", field, fmt.Sprintf(format, args...)))
}

func (p *docParser) lookup(field string, required bool) (any, bool) {
	v, ok := p.doc[field]
	if !ok || v == nil {
		if required {
			p.fail(field, "missing")
		}
		return nil, false
	}
	return v, true
}

func (p *docParser) requiredString(field string) string {
	v, ok := p.lookup(field, true)
	if !ok {
		return ""
	}
	s, isString := v.(string)
	if !isString || strings.TrimSpace(s) == "" {
		p.fail(field, "expected non-empty string, got %T", v)
		return ""
	}
	return strings.TrimSpace(s)
}

func (p *docParser) optionalString(field string) string {
	v, ok := p.lookup(field, false)
	if !ok {
		return ""
	}
	s, isString := v.(string)
	if !isString {
		p.fail(field, "expected string, got %T", v)
		return ""
	}
	return s
}

// optionalID accepts the numeric ids GitHub hands out as well as strings.
func (p *docParser) optionalID(field string) string {
	v, ok := p.lookup(field, false)
	if !ok {
		return ""
	}
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		if id != math.Trunc(id) || math.Abs(id) > 1<<53 {
			p.fail(field, "expected integral id")
			return ""
		}
		return strconv.FormatInt(int64(id), 10)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		p.fail(field, "expected string or number, got %T", v)
		return ""
	}
}

func (p *docParser) requiredInt(field string) int {
	v, ok := p.lookup(field, true)
	if !ok {
		return 0
	}
	var n float64
	switch x := v.(type) {
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case float64:
		n = x
	default:
		p.fail(field, "expected integer, got %T", v)
		return 0
	}
	if n != math.Trunc(n) {
		p.fail(field, "expected integer, got %v", n)
		return 0
	}
	// Credit columns are 32-bit
	if n < math.MinInt32 || n > math.MaxInt32 {
		p.fail(field, "integer %v out of range", n)
		return 0
	}
	return int(n)
}

func (p *docParser) requiredBool(field string) bool {
	v, ok := p.lookup(field, true)
	if !ok {
		return false
	}
	b, isBool := v.(bool)
	if !isBool {
		p.fail(field, "expected bool, got %T", v)
	}
	return b
}

func (p *docParser) optionalBool(field string) bool {
	v, ok := p.lookup(field, false)
	if !ok {
		return false
	}
	b, isBool := v.(bool)
	if !isBool {
		p.fail(field, "expected bool, got %T", v)
	}
	return b
}

func (p *docParser) requiredTime(field string) time.Time {
	v, ok := p.lookup(field, true)
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			p.fail(field, "expected RFC3339 timestamp: %v", err)
			return time.Time{}
		}
		return parsed.UTC()
	default:
		p.fail(field, "expected timestamp, got %T", v)
		return time.Time{}
	}
}
