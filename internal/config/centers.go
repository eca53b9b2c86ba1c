package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	yaml "go.yaml.in/yaml/v3"

	"slot_bot/internal/model"
)

type centersFile struct {
	Centers []centerEntry `yaml:"centers" validate:"required,min=1,unique=ID,dive"`
}

type centerEntry struct {
	ID           string `yaml:"id" validate:"required,max=32,alphanum"`
	Name         string `yaml:"name" validate:"required"`
	LocationCode string `yaml:"location_code" validate:"required"`
	Address      string `yaml:"address"`
	Timezone     string `yaml:"timezone" validate:"omitempty,timezone"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadCenters reads and validates the centers file at path.
func LoadCenters(path string) ([]model.Center, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read centers file: %w", err)
	}
	return ParseCenters(data)
}

// ParseCenters decodes a YAML centers document, keeping file order.
func ParseCenters(data []byte) ([]model.Center, error) {
	var f centersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode centers: %w", err)
	}
	for i := range f.Centers {
		f.Centers[i].ID = strings.TrimSpace(f.Centers[i].ID)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid centers: %w", err)
	}

	centers := make([]model.Center, 0, len(f.Centers))
	for _, e := range f.Centers {
		c := model.Center{
			ID:           e.ID,
			Name:         e.Name,
			LocationCode: e.LocationCode,
			Address:      e.Address,
		}
		if e.Timezone != "" {
			loc, err := time.LoadLocation(e.Timezone)
			if err != nil {
				return nil, fmt.Errorf("center %s: load timezone: %w", e.ID, err)
			}
			c.Location = loc
		}
		centers = append(centers, c)
	}
	return centers, nil
}
