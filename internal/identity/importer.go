package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/pkg/models"
)

// ImportResult summarises an import run
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// ImportDocuments loads legacy account documents, a stream of JSON objects.
// Documents that fail to parse are counted and reported; accounts whose email or
// identity already exists are skipped, so a rerun is harmless.
func (s *Service) ImportDocuments(ctx context.Context, r io.Reader) (*ImportResult, error) {
	result := &ImportResult{}
	dec := json.NewDecoder(r)

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return result, nil
			}
			// The stream is unusable past a syntax error
			return result, apperr.Validation(fmt.Sprintf("document %d: invalid JSON: %v", n, err))
		}

		account, err := models.ParseAccountDocument(doc)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("document %d: %s", n, apperr.Message(err)))
			continue
		}
		if _, ok := s.plans.Get(account.Plan); !ok {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("document %d: plan %q is not in the catalog", n, account.Plan))
			continue
		}

		if _, err := s.store.GetAccountByID(ctx, account.ID); err == nil {
			result.Skipped++
			continue
		} else if !apperr.Is(err, apperr.CodeNotFound) {
			return result, err
		}

		account.Email = NormalizeEmail(account.Email)
		if account.VerificationToken != "" {
			if account.EmailVerified {
				account.VerificationToken = ""
			} else {
				expires := s.now().Add(s.cfg.VerificationTTL)
				account.VerificationExp = &expires
			}
		}

		if err := s.store.CreateAccount(ctx, account); err != nil {
			if apperr.Is(err, apperr.CodeConflict) {
				result.Skipped++
				continue
			}
			return result, err
		}
		result.Imported++
	}
}
