package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"
)

// decode reads a config file body. YAML and TOML are first converted to
// JSON so every format goes through the same strict decoder: unknown keys
// and trailing data are errors.
func decode(path string, data []byte) (*Config, error) {
	var (
		raw    any
		format string
		err    error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		format = "toml"
		var m map[string]any
		err = toml.Unmarshal(data, &m)
		raw = m
	default:
		format = "json"
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s config", format)
	}
	if format != "json" {
		if data, err = json.Marshal(stringKeys(raw)); err != nil {
			return nil, errors.Wrapf(err, "%s config", format)
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "%s config", format)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, errors.Wrapf(err, "%s config", format)
	}
	return &cfg, nil
}

// stringKeys rewrites map[any]any from YAML into map[string]any so the
// tree can be marshaled as JSON.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case map[string]any:
		for k, e := range x {
			x[k] = stringKeys(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = stringKeys(e)
		}
		return x
	}
	return v
}

// fingerprint identifies config content so rewrites of identical content
// do not trigger a reload.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// ParseDurationField parses a Go duration string such as "90s" or "1h30m"
// found at key. Empty means zero; negative values are rejected.
func ParseDurationField(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, errors.WithHint(errors.Newf("%s: invalid duration %q", key, raw), `use values like "30s", "5m" or "1h30m"`)
	case d < 0:
		return 0, errors.Newf("%s: duration must be >= 0", key)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
