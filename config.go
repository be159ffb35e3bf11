package lazybind

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is passed to the [Bootstrapper], and describes what to load.
type Config struct {
	// APIKey is required, see [ErrMissingCredential].
	APIKey string `yaml:"apiKey"`
	// Libraries names the optional platform libraries to load.
	Libraries []string `yaml:"libraries"`
	// Version selects the platform release, where empty means the
	// bootstrapper's default.
	Version string `yaml:"version"`
}

// ParseConfig decodes a YAML document into a [Config]. Unknown fields are
// rejected. The result is not validated, see [Config.Validate].
func ParseConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("lazybind: parse config: %w", err)
	}
	return cfg, nil
}

// Validate returns [ErrMissingCredential] if APIKey is blank, or an error if
// Libraries contains a blank or duplicate name.
func (x Config) Validate() error {
	if strings.TrimSpace(x.APIKey) == `` {
		return ErrMissingCredential
	}
	seen := make(map[string]struct{}, len(x.Libraries))
	for _, lib := range x.Libraries {
		if strings.TrimSpace(lib) == `` {
			return errors.New("lazybind: config: blank library name")
		}
		if _, ok := seen[lib]; ok {
			return fmt.Errorf("lazybind: config: duplicate library %q", lib)
		}
		seen[lib] = struct{}{}
	}
	return nil
}

func (x Config) clone() Config {
	if x.Libraries != nil {
		x.Libraries = append([]string(nil), x.Libraries...)
	}
	return x
}
