package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/pkg/models"
)

// wireEvent is the provider envelope. Only the fields the reconciler reads are
// declared.
type wireEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			Metadata map[string]string `json:"metadata"`
			PriceID  string            `json:"price_id"`
			Items    struct {
				Data []struct {
					Price struct {
						ID string `json:"id"`
					} `json:"price"`
				} `json:"data"`
			} `json:"items"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a verified payload into a BillingEvent and resolves the
// target plan and allowance from the catalog. Unknown event types parse with
// TransitionNone and are left for the caller to ignore.
func ParseEvent(payload []byte, plans *catalog.Catalog) (*models.BillingEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, apperr.Validation(fmt.Sprintf("invalid event payload: %v", err))
	}
	if strings.TrimSpace(wire.ID) == "" {
		return nil, apperr.Validation("event id is required")
	}
	if strings.TrimSpace(wire.Type) == "" {
		return nil, apperr.Validation("event type is required")
	}

	event := &models.BillingEvent{
		ID:         wire.ID,
		Type:       wire.Type,
		Transition: models.TransitionFor(wire.Type),
		Raw:        payload,
	}
	if wire.Created > 0 {
		event.CreatedAt = time.Unix(wire.Created, 0).UTC()
	}
	if event.Transition == models.TransitionNone {
		return event, nil
	}

	object := wire.Data.Object
	event.AccountID = strings.TrimSpace(object.Metadata["account_id"])
	if event.AccountID == "" {
		return nil, apperr.Validation("event has no metadata.account_id")
	}

	snap := plans.Snapshot()
	if event.Transition == models.TransitionCancel {
		starter := snap.Starter()
		event.Plan = starter.Tier
		event.Allowance = starter.Credits
		return event, nil
	}

	plan, err := resolvePlan(snap, object.Metadata["plan"], priceID(wire))
	if err != nil {
		return nil, err
	}
	event.Plan = plan.Tier
	event.PriceID = plan.ExternalPriceID
	event.Allowance = plan.Credits
	return event, nil
}

func priceID(wire wireEvent) string {
	if wire.Data.Object.PriceID != "" {
		return wire.Data.Object.PriceID
	}
	for _, item := range wire.Data.Object.Items.Data {
		if item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func resolvePlan(snap *catalog.Snapshot, rawPlan, price string) (models.Plan, error) {
	if rawPlan != "" {
		tier, err := models.ParsePlanTier(rawPlan)
		if err != nil {
			return models.Plan{}, err
		}
		plan, ok := snap.Get(tier)
		if !ok {
			return models.Plan{}, apperr.Validation(fmt.Sprintf("plan %q is not in the catalog", tier))
		}
		return plan, nil
	}
	if price != "" {
		plan, ok := snap.ByExternalPrice(price)
		if !ok {
			return models.Plan{}, apperr.Validation(fmt.Sprintf("price %q does not match any plan", price))
		}
		return plan, nil
	}
	return models.Plan{}, apperr.Validation("event names neither a plan nor a price")
}
