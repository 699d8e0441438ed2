package reasoning

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

//go:embed vehicles.yaml
var defaultVehicles []byte

// VehicleResolver maps a commerce vehicle identifier (catalog id or VIN) to
// the vehicle and its engine family node.
type VehicleResolver interface {
	Resolve(ctx context.Context, vehicleID string) (domain.Vehicle, error)
}

// VehicleCatalog is an in-memory VehicleResolver loaded from YAML.
type VehicleCatalog struct {
	byID  map[string]domain.Vehicle
	byVIN map[string]domain.Vehicle
}

// ParseVehicleCatalog decodes and validates a YAML vehicle list.
func ParseVehicleCatalog(data []byte) (*VehicleCatalog, error) {
	var doc struct {
		Vehicles []domain.Vehicle `yaml:"vehicles"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reasoning: parse vehicles: %w", err)
	}
	c := &VehicleCatalog{
		byID:  make(map[string]domain.Vehicle, len(doc.Vehicles)),
		byVIN: make(map[string]domain.Vehicle),
	}
	for i, v := range doc.Vehicles {
		if err := domain.ValidateVehicle(v); err != nil {
			return nil, fmt.Errorf("reasoning: vehicle %d: %w", i, err)
		}
		if _, dup := c.byID[v.ID]; dup {
			return nil, fmt.Errorf("reasoning: vehicle %d: %w",
				i, domain.NewValidationError("id", v.ID, domain.ErrValidation))
		}
		c.byID[v.ID] = v
		if v.VIN != "" {
			c.byVIN[strings.ToUpper(v.VIN)] = v
		}
	}
	return c, nil
}

// LoadVehicleCatalog reads a catalog file; an empty path loads the built-in one.
func LoadVehicleCatalog(path string) (*VehicleCatalog, error) {
	if path == "" {
		return ParseVehicleCatalog(defaultVehicles)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reasoning: load vehicles: %w", err)
	}
	return ParseVehicleCatalog(data)
}

// Resolve looks vehicleID up by catalog id, then by VIN.
func (c *VehicleCatalog) Resolve(_ context.Context, vehicleID string) (domain.Vehicle, error) {
	id := strings.TrimSpace(vehicleID)
	if v, ok := c.byID[id]; ok {
		return v, nil
	}
	if v, ok := c.byVIN[strings.ToUpper(id)]; ok {
		return v, nil
	}
	return domain.Vehicle{}, fmt.Errorf("reasoning: resolve %q: %w", vehicleID, domain.ErrUnknownVehicle)
}

// Len returns the number of vehicles.
func (c *VehicleCatalog) Len() int { return len(c.byID) }
