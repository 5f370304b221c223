package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/pkg/types"
)

// envPattern matches ${NAME} and ${NAME:-default} in config text.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// ExpandEnv substitutes ${NAME} and ${NAME:-default} occurrences using the
// given lookup. An unset variable without a default form is an error; the
// config must never load half-resolved.
func ExpandEnv(data []byte, lookup func(string) (string, bool)) ([]byte, error) {
	var missing []string
	expanded := envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		if value, ok := lookup(name); ok {
			return []byte(value)
		}
		if len(groups[2]) > 0 {
			// strip the ":-" prefix of the default form
			return groups[2][2:]
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return nil, errs.New(errs.KindConfig,
			"undefined environment variable(s) in config: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// Load reads, expands and parses the config file, applies defaults and
// validates. Failures are ConfigErrors; the caller keeps its previous state.
func Load(fs afero.Fs, path string) (*Config, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "failed to read config file %s", path)
	}

	expanded, err := ExpandEnv(raw, os.LookupEnv)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "failed to parse config file %s", path)
	}
	if cfg.Backends == nil {
		cfg.Backends = map[string]types.BackendConfig{}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "invalid config in %s", path)
	}
	return &cfg, nil
}

// Save writes the config back to disk atomically (temp file + rename).
// Dynamic server registration persists through this path, making the config
// file the single source of truth for the desired backend set.
func Save(fs afero.Fs, path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.KindConfig, err, "failed to marshal config")
	}

	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(fs, dir, ".toolgate-*.yaml")
	if err != nil {
		return errs.Wrap(errs.KindConfig, err, "failed to create temp config file in %s", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return errs.Wrap(errs.KindConfig, err, "failed to write temp config file")
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return errs.Wrap(errs.KindConfig, err, "failed to close temp config file")
	}
	if err := fs.Rename(tmpName, path); err != nil {
		// some filesystems refuse to clobber the destination on rename
		if rmErr := fs.Remove(path); rmErr == nil {
			err = fs.Rename(tmpName, path)
		}
		if err != nil {
			_ = fs.Remove(tmpName)
			return errs.Wrap(errs.KindConfig, err, "failed to replace config file %s", path)
		}
	}
	return nil
}

// PathFromEnv resolves the config file location: CONFIG_PATH if set,
// otherwise the default name in the working directory.
func PathFromEnv() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Fingerprint returns a stable representation of the config used to detect
// no-op reloads (including the gateway's own write-backs).
func Fingerprint(cfg *Config) string {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Sprintf("unmarshalable:%v", err)
	}
	return string(data)
}
