package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// Seeder is a store that accepts catalog rows.
type Seeder interface {
	PutCourse(context.Context, domain.Course) error
	PutModule(context.Context, domain.Module) error
	PutProfile(context.Context, domain.User) error
}

var (
	_ Seeder = (*Memory)(nil)
	_ Seeder = (*SQLite)(nil)
)

// Fixture is the catalog file format: courses, their modules and profiles.
type Fixture struct {
	Courses  []domain.Course `json:"courses"`
	Modules  []domain.Module `json:"modules"`
	Profiles []domain.User   `json:"profiles"`
}

// SeedFile loads the fixture at path into s.
func SeedFile(ctx context.Context, s Seeder, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := Seed(ctx, s, f); err != nil {
		return err
	}
	log.Info().Str("module", "store").Str("file", path).
		Int("courses", len(f.Courses)).Int("modules", len(f.Modules)).Int("profiles", len(f.Profiles)).
		Msg("seeded")
	return nil
}

// Seed writes courses first so module rows can reference them. Profiles
// without an id get a fresh one.
func Seed(ctx context.Context, s Seeder, f Fixture) error {
	for _, c := range f.Courses {
		if err := s.PutCourse(ctx, c); err != nil {
			return fmt.Errorf("course %s: %w", c.ID, err)
		}
	}
	for _, m := range f.Modules {
		if err := s.PutModule(ctx, m); err != nil {
			return fmt.Errorf("module %s: %w", m.ID, err)
		}
	}
	for _, u := range f.Profiles {
		if u.ID == "" {
			nu, err := domain.NewUser(u.FullName)
			if err != nil {
				return fmt.Errorf("profile: %w", err)
			}
			u = *nu
		} else if err := u.SetFullName(u.FullName); err != nil {
			return fmt.Errorf("profile %s: %w", u.ID, err)
		}
		if err := s.PutProfile(ctx, u); err != nil {
			return fmt.Errorf("profile %s: %w", u.ID, err)
		}
	}
	return nil
}
