// Package config reads and writes saved radio connection profiles.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/meshlink/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

var ErrProfileNotFound = errors.New("config: profile not found")

// Profile is one saved connection target.
type Profile struct {
	Name          string    `toml:"name"`
	Kind          string    `toml:"kind"`
	Address       string    `toml:"address,omitempty"`
	AutoConnect   bool      `toml:"auto_connect,omitempty"`
	LastConnected time.Time `toml:"last_connected"`
}

// Profiles is the contents of profiles.toml. Last names the profile most
// recently connected successfully.
type Profiles struct {
	Default  string    `toml:"default,omitempty"`
	Last     string    `toml:"last,omitempty"`
	Profiles []Profile `toml:"profiles"`
}

// LoadProfiles reads path. A missing file yields an empty set.
func LoadProfiles(path string) (Profiles, error) {
	var set Profiles
	if err := loadToml(path, &set); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Profiles{}, nil
		}
		return Profiles{}, err
	}
	if err := ValidateProfiles(set); err != nil {
		return Profiles{}, err
	}
	return set, nil
}

// SaveProfiles writes set to path through a temp file and rename.
func SaveProfiles(path string, set Profiles) error {
	if err := ValidateProfiles(set); err != nil {
		return err
	}
	data, err := toml.Marshal(set)
	if err != nil {
		return fmt.Errorf("config encode failed (%s): %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config save failed (%s): %w", path, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config save failed (%s): %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("config save failed (%s): %w", path, err)
	}
	return nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// CheckTOML reports whether path parses as TOML.
func CheckTOML(path string) error {
	var out map[string]any
	return loadToml(path, &out)
}

func ValidateProfiles(set Profiles) error {
	seen := make(map[string]struct{}, len(set.Profiles))
	for i, p := range set.Profiles {
		if err := ValidateProfile(p); err != nil {
			return fmt.Errorf("profile[%d] invalid: %w", i, err)
		}
		key := strings.ToLower(p.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("profile[%d] invalid: duplicate name %q", i, p.Name)
		}
		seen[key] = struct{}{}
	}
	if set.Default != "" {
		if _, ok := set.Find(set.Default); !ok {
			return fmt.Errorf("default profile %q not defined", set.Default)
		}
	}
	return nil
}

func ValidateProfile(p Profile) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	kind, err := transport.ParseKind(p.Kind)
	if err != nil {
		return err
	}
	if kind == transport.KindTCP {
		if _, err := transport.ParseNetworkAddress(p.Address); err != nil {
			return err
		}
	}
	return nil
}

// Find looks a profile up by case-insensitive name.
func (s Profiles) Find(name string) (Profile, bool) {
	name = strings.TrimSpace(name)
	for _, p := range s.Profiles {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Profile{}, false
}

// Upsert replaces the profile with the same name or appends p.
func (s *Profiles) Upsert(p Profile) {
	for i := range s.Profiles {
		if strings.EqualFold(s.Profiles[i].Name, p.Name) {
			s.Profiles[i] = p
			return
		}
	}
	s.Profiles = append(s.Profiles, p)
}

// Remove deletes the named profile, clearing Default and Last if they
// referred to it.
func (s *Profiles) Remove(name string) error {
	for i := range s.Profiles {
		if strings.EqualFold(s.Profiles[i].Name, name) {
			s.Profiles = append(s.Profiles[:i], s.Profiles[i+1:]...)
			if strings.EqualFold(s.Default, name) {
				s.Default = ""
			}
			if strings.EqualFold(s.Last, name) {
				s.Last = ""
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
}

// AutoConnect returns the profile to open at startup: the default if it is
// marked auto_connect, else the first auto_connect profile.
func (s Profiles) AutoConnect() (Profile, bool) {
	if p, ok := s.Find(s.Default); ok && p.AutoConnect {
		return p, true
	}
	for _, p := range s.Profiles {
		if p.AutoConnect {
			return p, true
		}
	}
	return Profile{}, false
}

// Remember records a successful connection. A profile matching params is
// stamped; otherwise one named after params is created.
func (s *Profiles) Remember(params transport.Params, at time.Time) Profile {
	for i := range s.Profiles {
		p := &s.Profiles[i]
		if got, err := p.Params(); err == nil && got == params {
			p.LastConnected = at.UTC()
			s.Last = p.Name
			return *p
		}
	}
	p := ProfileFromParams(params.String(), params)
	p.LastConnected = at.UTC()
	s.Profiles = append(s.Profiles, p)
	s.Last = p.Name
	return p
}
