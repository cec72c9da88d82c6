package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProfileFileName is the client profile inside the profile directory.
const ProfileFileName = "client.yaml"

// Profile remembers client choices between runs.
type Profile struct {
	Username   string `yaml:"username,omitempty"`
	LastServer string `yaml:"last_server,omitempty"`
	Insecure   bool   `yaml:"insecure,omitempty"`
}

// ProfilePath returns ~/.gsnet/client.yaml.
func ProfilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gsnet", ProfileFileName), nil
}

// LoadProfile reads the profile at path. A missing file yields an empty
// profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Profile{}, nil
		}
		return nil, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile writes p to path, creating its directory.
func SaveProfile(path string, p *Profile) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
