package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ProctorConfig holds the violation policy thresholds.
type ProctorConfig struct {
	// HeartbeatTimeoutSeconds is the silence after which one heartbeat counts as missed.
	HeartbeatTimeoutSeconds int `koanf:"heartbeat_timeout_seconds"`

	// MaxMissedHeartbeats is the number of consecutive missed intervals that terminates a session.
	MaxMissedHeartbeats int `koanf:"max_missed_heartbeats"`

	// SwitchCeiling is the switch count at which a session is terminated.
	SwitchCeiling int `koanf:"switch_ceiling"`
}

// DefaultProctorConfig returns the thresholds used when nothing is configured.
func DefaultProctorConfig() ProctorConfig {
	return ProctorConfig{
		HeartbeatTimeoutSeconds: 30,
		MaxMissedHeartbeats:     3,
		SwitchCeiling:           3,
	}
}

// LoadProctor layers defaults, an optional YAML file and PROCTOR_* env vars.
// Order of precedence (low -> high):
//  1. defaults
//  2. file (YAML) at path, if non-empty
//  3. env (prefix PROCTOR_), e.g. PROCTOR_SWITCH_CEILING
func LoadProctor(path string) (ProctorConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return ProctorConfig{}, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	envProvider := env.Provider("PROCTOR_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "PROCTOR_"))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return ProctorConfig{}, fmt.Errorf("%w: env: %v", ErrLoadConfig, err)
	}

	cfg := DefaultProctorConfig()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return ProctorConfig{}, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	if cfg.HeartbeatTimeoutSeconds <= 0 {
		return ProctorConfig{}, fmt.Errorf("%w: heartbeat_timeout_seconds must be positive", ErrInvalidConfig)
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		return ProctorConfig{}, fmt.Errorf("%w: max_missed_heartbeats must be positive", ErrInvalidConfig)
	}
	if cfg.SwitchCeiling <= 0 {
		return ProctorConfig{}, fmt.Errorf("%w: switch_ceiling must be positive", ErrInvalidConfig)
	}
	return cfg, nil
}
