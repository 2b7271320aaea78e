// Package catalog holds the plan tier table. It is loaded once at start and only
// replaced wholesale by an explicit administrative reload.
package catalog

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/pkg/models"
)

// Snapshot is an immutable view of the catalog
type Snapshot struct {
	byTier  map[models.PlanTier]models.Plan
	byPrice map[string]models.Plan
	ordered []models.Plan
}

// Catalog serves the current snapshot to concurrent readers
type Catalog struct {
	current atomic.Pointer[Snapshot]
}

// New validates plans and returns a catalog serving them
func New(plans []models.Plan) (*Catalog, error) {
	snap, err := build(plans)
	if err != nil {
		return nil, err
	}
	c := &Catalog{}
	c.current.Store(snap)
	return c, nil
}

// Reload atomically replaces the table. Readers see either the old or the new
// table, never a mix. An invalid table leaves the current one in place.
func (c *Catalog) Reload(plans []models.Plan) error {
	snap, err := build(plans)
	if err != nil {
		return err
	}
	c.current.Store(snap)
	return nil
}

// Snapshot returns the table currently in force
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Get returns the plan for tier
func (c *Catalog) Get(tier models.PlanTier) (models.Plan, bool) {
	return c.Snapshot().Get(tier)
}

// Starter returns the default tier given to new accounts
func (c *Catalog) Starter() models.Plan {
	return c.Snapshot().Starter()
}

// ByExternalPrice resolves a billing provider price reference
func (c *Catalog) ByExternalPrice(priceID string) (models.Plan, bool) {
	return c.Snapshot().ByExternalPrice(priceID)
}

// All returns the plans cheapest first
func (c *Catalog) All() []models.Plan {
	return c.Snapshot().All()
}

func (s *Snapshot) Get(tier models.PlanTier) (models.Plan, bool) {
	p, ok := s.byTier[tier]
	return p, ok
}

func (s *Snapshot) Starter() models.Plan {
	return s.byTier[models.PlanStarter]
}

func (s *Snapshot) ByExternalPrice(priceID string) (models.Plan, bool) {
	p, ok := s.byPrice[priceID]
	return p, ok
}

func (s *Snapshot) All() []models.Plan {
	out := make([]models.Plan, len(s.ordered))
	copy(out, s.ordered)
	return out
}

func build(plans []models.Plan) (*Snapshot, error) {
	snap := &Snapshot{
		byTier:  make(map[models.PlanTier]models.Plan, len(plans)),
		byPrice: make(map[string]models.Plan, len(plans)),
	}

	for _, p := range plans {
		if !p.Tier.Valid() {
			return nil, apperr.Validation(fmt.Sprintf("catalog: unknown tier %q", p.Tier))
		}
		if _, dup := snap.byTier[p.Tier]; dup {
			return nil, apperr.Validation(fmt.Sprintf("catalog: tier %q listed twice", p.Tier))
		}
		if p.Credits < 0 || p.PriceCents < 0 {
			return nil, apperr.Validation(fmt.Sprintf("catalog: tier %q has negative credits or price", p.Tier))
		}
		if p.ExternalPriceID != "" {
			if _, dup := snap.byPrice[p.ExternalPriceID]; dup {
				return nil, apperr.Validation(fmt.Sprintf("catalog: price %q used by two tiers", p.ExternalPriceID))
			}
			snap.byPrice[p.ExternalPriceID] = p
		}
		snap.byTier[p.Tier] = p
		snap.ordered = append(snap.ordered, p)
	}

	if _, ok := snap.byTier[models.PlanStarter]; !ok {
		return nil, apperr.Validation("catalog: starter tier is required")
	}

	sort.SliceStable(snap.ordered, func(i, j int) bool {
		return snap.ordered[i].PriceCents < snap.ordered[j].PriceCents
	})
	return snap, nil
}
