package reasoning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

func TestVehicleCatalogResolve(t *testing.T) {
	c, err := LoadVehicleCatalog("")
	require.NoError(t, err)
	require.Positive(t, c.Len())
	ctx := context.Background()

	v, err := c.Resolve(ctx, "veh_camry_2018_v6")
	require.NoError(t, err)
	assert.Equal(t, "ef_toyota_2gr", v.EngineFamilyID)

	v, err = c.Resolve(ctx, " 4t1b61hk5ju000002 ")
	require.NoError(t, err)
	assert.Equal(t, "veh_camry_2018_v6", v.ID)

	_, err = c.Resolve(ctx, "veh_unknown")
	assert.ErrorIs(t, err, domain.ErrUnknownVehicle)
}

func TestParseVehicleCatalogValidates(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"unsupported make", "vehicles:\n  - {id: a, make: Yugo, model: GV, year: 1988, engine_family_id: ef}\n", domain.ErrUnsupportedMake},
		{"bad year", "vehicles:\n  - {id: a, make: Ford, model: T, year: 1920, engine_family_id: ef}\n", domain.ErrYearOutOfRange},
		{"bad vin", "vehicles:\n  - {id: a, make: Ford, model: F-150, year: 2019, vin: SHORT, engine_family_id: ef}\n", domain.ErrInvalidVIN},
		{"missing family", "vehicles:\n  - {id: a, make: Ford, model: F-150, year: 2019}\n", domain.ErrMissingField},
		{"duplicate id", "vehicles:\n  - {id: a, make: Ford, model: F-150, year: 2019, engine_family_id: ef}\n  - {id: a, make: Ford, model: F-250, year: 2019, engine_family_id: ef}\n", domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVehicleCatalog([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := ParseVehicleCatalog([]byte("vehicles:\n  - {id: a, mke: Ford}\n"))
	assert.Error(t, err, "unknown fields are rejected")

	c, err := ParseVehicleCatalog(nil)
	require.NoError(t, err)
	assert.Zero(t, c.Len())
}
