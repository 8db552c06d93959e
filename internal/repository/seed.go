package repository

import (
	"fmt"
	"os"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"gopkg.in/yaml.v3"
)

// Seed is the content of a seed file for the in-memory repositories.
type Seed struct {
	Roles   []domain.Role   `yaml:"roles"`
	Users   []SeedUser      `yaml:"users"`
	Routers []domain.Router `yaml:"routers"`
}

type SeedUser struct {
	ID       int64 `yaml:"id"`
	Role     int64 `yaml:"role"`
	Priority int64 `yaml:"priority"`
}

// LoadSeed reads and parses a YAML seed file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (Seed, error) {
	expanded := os.ExpandEnv(string(data))

	var seed Seed
	if err := yaml.Unmarshal([]byte(expanded), &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}

	for i := range seed.Routers {
		strategy, err := domain.ParseRoutingStrategy(string(seed.Routers[i].Strategy))
		if err != nil {
			return Seed{}, fmt.Errorf("seed: routers[%d]: %w", i, err)
		}
		seed.Routers[i].Strategy = strategy
	}

	if err := seed.Validate(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

// Validate checks ids are unique and every reference resolves.
func (s Seed) Validate() error {
	routers := make(map[int64]bool, len(s.Routers))
	for i, r := range s.Routers {
		if routers[r.ID] {
			return fmt.Errorf("seed: duplicate router id %d", r.ID)
		}
		routers[r.ID] = true

		providers := make(map[string]bool, len(r.Providers))
		for j, p := range r.Providers {
			if p.ID == "" {
				return fmt.Errorf("seed: routers[%d].providers[%d]: id is required", i, j)
			}
			if providers[p.ID] {
				return fmt.Errorf("seed: router %d: duplicate provider id %q", r.ID, p.ID)
			}
			providers[p.ID] = true
		}
	}

	roles := make(map[int64]bool, len(s.Roles))
	for i, role := range s.Roles {
		if roles[role.ID] {
			return fmt.Errorf("seed: duplicate role id %d", role.ID)
		}
		roles[role.ID] = true

		for j, l := range role.Limits {
			if !l.Type.Valid() {
				return fmt.Errorf("seed: roles[%d].limits[%d]: invalid type %q", i, j, l.Type)
			}
			if l.Value != nil && *l.Value < 0 {
				return fmt.Errorf("seed: roles[%d].limits[%d]: value must not be negative", i, j)
			}
			if !routers[l.RouterID] {
				return fmt.Errorf("seed: roles[%d].limits[%d]: unknown router %d", i, j, l.RouterID)
			}
		}
	}

	users := make(map[int64]bool, len(s.Users))
	for i, u := range s.Users {
		if users[u.ID] {
			return fmt.Errorf("seed: duplicate user id %d", u.ID)
		}
		users[u.ID] = true
		if !roles[u.Role] {
			return fmt.Errorf("seed: users[%d]: unknown role %d", i, u.Role)
		}
	}

	return nil
}
