// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

// Package config loads nfcd's daemon configuration from a YAML file via
// koanf, then applies environment-variable overrides and ${VAR}-style
// string substitutions, the latter kept in the style the teacher stack
// used for its own JSON configuration.
package config

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environ is a substitution dictionary for ${NAME} references appearing in
// string-valued configuration fields.
type Environ map[string]string

// Config is nfcd's top-level daemon configuration.
type Config struct {
	Env Environ `koanf:"environ"`

	// Role selects the MAC stand-in's side: "initiator" dials Listen,
	// "target" listens on it.
	Role string `koanf:"role"`
	// Listen is the TCP host:port the transport stand-in dials or listens
	// on. Unix socket paths are not supported.
	Listen string `koanf:"listen"`

	// LocalMIU is the receive MIU this engine advertises to the peer.
	LocalMIU uint16 `koanf:"local_miu"`
	// LocalLTO is the link timeout, in milliseconds, this engine
	// advertises to the peer.
	LocalLTO uint16 `koanf:"local_lto"`
	// MaxSendQueue bounds a socket.Socket's outstanding write buffer.
	MaxSendQueue int `koanf:"max_send_queue"`

	// MetricsEnabled turns on the prometheus registry. No HTTP exporter
	// is started by this package; the host process wires the registry's
	// Gatherer into whatever it already exposes.
	MetricsEnabled bool `koanf:"metrics_enabled"`

	// LogLevel is one of the gospel/logger level names: error, warn,
	// info, debug.
	LogLevel string `koanf:"log_level"`
}

// Default returns a Config with the engine's own defaults (mirroring
// llcp.MIUDefault/LTODefault) rather than zero values.
func Default() *Config {
	return &Config{
		Role:           "target",
		Listen:         "127.0.0.1:7373",
		LocalMIU:       128,
		LocalLTO:       100,
		MaxSendQueue:   128 * 1024,
		MetricsEnabled: false,
		LogLevel:       "info",
	}
}

// Load reads path (YAML) into a Config seeded with Default, applies any
// NFCD_-prefixed environment variable overrides (NFCD_LISTEN,
// NFCD_LOCAL_MIU, ...), and finally resolves ${VAR} references in string
// fields against the config's own "environ" map. The process environment
// is not consulted for ${VAR} references.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(defaultsProvider{Default()}, nil); err != nil {
		return nil, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider("NFCD_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "NFCD_"))
	}), nil); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	applySubstitutions(cfg, cfg.Env)
	return cfg, nil
}

// defaultsProvider adapts an already-populated Config as a koanf.Provider,
// so defaults flow through the same load/merge path as the file and env
// providers instead of a separate struct-copy step.
type defaultsProvider struct{ cfg *Config }

func (p defaultsProvider) ReadBytes() ([]byte, error) { return nil, nil }

func (p defaultsProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}{
		"role":            p.cfg.Role,
		"listen":          p.cfg.Listen,
		"local_miu":       p.cfg.LocalMIU,
		"local_lto":       p.cfg.LocalLTO,
		"max_send_queue":  p.cfg.MaxSendQueue,
		"metrics_enabled": p.cfg.MetricsEnabled,
		"log_level":       p.cfg.LogLevel,
	}, nil
}

var substRx = regexp.MustCompile(`\$\{([^}]*)\}`)

// substString replaces every ${NAME} in s with env[NAME], leaving
// unresolvable references untouched.
func substString(s string, env map[string]string) string {
	matches := substRx.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) == 0 {
			continue
		}
		if v, ok := env[m[1]]; ok {
			s = strings.ReplaceAll(s, "${"+m[1]+"}", v)
		}
	}
	return s
}

// applySubstitutions walks cfg's string fields and repeatedly resolves
// ${VAR} references until a pass makes no further change.
func applySubstitutions(cfg *Config, env Environ) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if !fld.CanSet() {
				continue
			}
			switch fld.Kind() {
			case reflect.String:
				s := fld.String()
				for {
					s1 := substString(s, env)
					if s1 == s {
						break
					}
					logger.Printf(logger.DBG, "[config] %s --> %s", s, s1)
					fld.SetString(s1)
					s = s1
				}
			case reflect.Struct:
				process(fld)
			case reflect.Ptr:
				if e := fld.Elem(); e.IsValid() {
					process(e)
				}
			}
		}
	}
	process(reflect.ValueOf(cfg).Elem())
}
