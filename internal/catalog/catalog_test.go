package catalog

import (
	"sync"
	"testing"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := New(models.DefaultPlans())
	require.NoError(t, err)

	starter := c.Starter()
	assert.Equal(t, models.PlanStarter, starter.Tier)
	assert.Equal(t, 10, starter.Credits)

	pro, ok := c.Get(models.PlanPro)
	require.True(t, ok)
	assert.Equal(t, 150, pro.Credits)

	ultra, ok := c.ByExternalPrice("price_ultra_monthly")
	require.True(t, ok)
	assert.Equal(t, models.PlanUltra, ultra.Tier)

	all := c.All()
	require.Len(t, all, 5)
	assert.Equal(t, models.PlanStarter, all[0].Tier)
	assert.Equal(t, models.PlanUltra, all[4].Tier)
}

func TestAllReturnsCopy(t *testing.T) {
	c, err := New(models.DefaultPlans())
	require.NoError(t, err)

	all := c.All()
	all[0].Credits = 9999

	assert.Equal(t, 10, c.Starter().Credits)
}

func TestNewRejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name  string
		plans []models.Plan
	}{
		{"no starter", []models.Plan{{Tier: models.PlanPro, Credits: 1}}},
		{"unknown tier", []models.Plan{{Tier: models.PlanStarter}, {Tier: "gold"}}},
		{"duplicate tier", []models.Plan{{Tier: models.PlanStarter}, {Tier: models.PlanStarter}}},
		{"negative credits", []models.Plan{{Tier: models.PlanStarter, Credits: -1}}},
		{"shared price", []models.Plan{
			{Tier: models.PlanStarter},
			{Tier: models.PlanPro, ExternalPriceID: "p"},
			{Tier: models.PlanUltra, ExternalPriceID: "p"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.plans)
			assert.True(t, apperr.Is(err, apperr.CodeValidation), "got %v", err)
		})
	}
}

func TestReload(t *testing.T) {
	c, err := New(models.DefaultPlans())
	require.NoError(t, err)

	err = c.Reload([]models.Plan{{Tier: models.PlanPro}})
	require.Error(t, err)
	assert.Equal(t, 10, c.Starter().Credits, "failed reload must keep the old table")

	plans := models.DefaultPlans()
	plans[0].Credits = 25
	require.NoError(t, c.Reload(plans))
	assert.Equal(t, 25, c.Starter().Credits)
}

func TestConcurrentReadsDuringReload(t *testing.T) {
	c, err := New(models.DefaultPlans())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := c.Snapshot()
				starter := snap.Starter()
				assert.Contains(t, []int{10, 20}, starter.Credits)
			}
		}()
	}

	plans := models.DefaultPlans()
	plans[0].Credits = 20
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Reload(plans))
	}
	wg.Wait()
}
