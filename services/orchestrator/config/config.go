// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads from YAML as a string like "90s"
// or "2m". The stdlib type only unmarshals from integer nanoseconds, which
// nobody wants to write in a config file.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Listen       string `yaml:"listen" validate:"required"`
	LogLevel     string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogDir       string `yaml:"log_dir"`
	DataDir      string `yaml:"data_dir" validate:"required"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	Backends []BackendConfig `yaml:"backends" validate:"required,min=1,dive"`
	Router   RouterConfig    `yaml:"router"`
	Context  ContextConfig   `yaml:"context"`
	Ensemble EnsembleConfig  `yaml:"ensemble"`
	Download DownloadConfig  `yaml:"download"`
}

// BackendConfig describes one configured backend adapter. Order in the file
// is priority order for model resolution.
type BackendConfig struct {
	Name    string   `yaml:"name" validate:"required"`
	Kind    string   `yaml:"kind" validate:"required,oneof=ollama openai llamacpp"`
	BaseURL string   `yaml:"base_url" validate:"required,url"`
	APIKey  string   `yaml:"api_key"`
	Models  []string `yaml:"models"`

	// KeepAlive holds models resident after a request (ollama only).
	KeepAlive string `yaml:"keep_alive"`

	// RPS rate-limits outbound calls (openai only). Zero disables.
	RPS float64 `yaml:"rps"`

	// Warm pre-loads the backend's models at startup.
	Warm bool `yaml:"warm"`
}

// RouterConfig carries the routing ladders.
type RouterConfig struct {
	Preference []string            `yaml:"preference"`
	Tasks      map[string][]string `yaml:"tasks"`
}

// ContextConfig maps model ids to context window sizes in tokens.
type ContextConfig struct {
	Budgets      map[string]int `yaml:"budgets"`
	SummaryModel string         `yaml:"summary_model"`
}

// EnsembleConfig bounds ensemble fan-out.
type EnsembleConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent" validate:"omitempty,min=1"`
	Timeout       Duration `yaml:"timeout"`
}

// DownloadConfig controls download job retention.
type DownloadConfig struct {
	Retention Duration `yaml:"retention"`
}

// Default returns the first-run configuration: a single local Ollama
// backend, in-process defaults everywhere else.
func Default() Config {
	return Config{
		Listen:   ":8090",
		LogLevel: "info",
		DataDir:  "~/.tiller/data",
		Backends: []BackendConfig{
			{
				Name:      "ollama",
				Kind:      "ollama",
				BaseURL:   "http://localhost:11434",
				KeepAlive: "10m",
			},
		},
		Router: RouterConfig{
			Tasks: map[string][]string{
				"fast": {"llama3.2:1b"},
			},
		},
		Ensemble: EnsembleConfig{
			MaxConcurrent: 4,
			Timeout:       Duration(2 * time.Minute),
		},
	}
}

// Validate checks the struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("invalid configuration: duplicate backend name %q", b.Name)
		}
		seen[b.Name] = struct{}{}
		if b.Kind == "llamacpp" && len(b.Models) != 1 {
			return fmt.Errorf("invalid configuration: llamacpp backend %q must name exactly one model", b.Name)
		}
	}
	return nil
}
