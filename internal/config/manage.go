package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all non-secret config key/value pairs from cfg.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey validates value against the key's type and writes it to the config
// file at path. An empty path means the default location.
func SetKey(path, key, value string) error {
	if path == "" {
		path = configFilePath()
	}
	s, ok := specByKey(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	if _, err := s.parse(value); err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", s.typ, key, err)
	}

	b, err := newFileBackend(path)
	if err != nil {
		return err
	}
	if s.typ == kInt {
		i, _ := strconv.Atoi(value)
		return b.SetInt(key, i)
	}
	return b.SetString(key, value)
}

// UnsetKey removes a key from the config file so the default applies again.
func UnsetKey(path, key string) error {
	if path == "" {
		path = configFilePath()
	}
	if _, ok := specByKey(key); !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	b, err := newFileBackend(path)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
