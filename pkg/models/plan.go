package models

import (
	"fmt"
	"strings"

	"github.com/linolazarous/app/internal/apperr"
)

// PlanTier is a named subscription level
type PlanTier string

const (
	PlanStarter  PlanTier = "starter"
	PlanStandard PlanTier = "standard"
	PlanPro      PlanTier = "pro"
	PlanPremier  PlanTier = "premier"
	PlanUltra    PlanTier = "ultra"
)

// PlanTiers lists every known tier, cheapest first
var PlanTiers = []PlanTier{PlanStarter, PlanStandard, PlanPro, PlanPremier, PlanUltra}

// ParsePlanTier converts a raw tier name. Unknown names are rejected.
func ParsePlanTier(raw string) (PlanTier, error) {
	tier := PlanTier(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range PlanTiers {
		if tier == known {
			return tier, nil
		}
	}
	return "", apperr.Validation(fmt.Sprintf("unknown plan tier %q", raw))
}

// Valid reports whether t is a known tier
func (t PlanTier) Valid() bool {
	_, err := ParsePlanTier(string(t))
	return err == nil
}

// Plan is one row of the plan catalog
type Plan struct {
	Tier            PlanTier `json:"id" mapstructure:"tier"`
	Name            string   `json:"name" mapstructure:"name"`
	PriceCents      int64    `json:"price_cents" mapstructure:"priceCents"`
	Credits         int      `json:"credits" mapstructure:"credits"`
	ExternalPriceID string   `json:"-" mapstructure:"externalPriceID"`
}

// DefaultPlans is the catalog shipped with the service
func DefaultPlans() []Plan {
	return []Plan{
		{Tier: PlanStarter, Name: "Starter", PriceCents: 0, Credits: 10},
		{Tier: PlanStandard, Name: "Standard", PriceCents: 2900, Credits: 75, ExternalPriceID: "price_standard_monthly"},
		{Tier: PlanPro, Name: "Pro", PriceCents: 5900, Credits: 150, ExternalPriceID: "price_pro_monthly"},
		{Tier: PlanPremier, Name: "Premier", PriceCents: 19900, Credits: 600, ExternalPriceID: "price_premier_monthly"},
		{Tier: PlanUltra, Name: "Ultra", PriceCents: 49900, Credits: 2000, ExternalPriceID: "price_ultra_monthly"},
	}
}
