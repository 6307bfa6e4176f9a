package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// LoadFile loads and validates a config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadHCL(data, path)
}

// LoadHCL parses config from HCL bytes and validates it.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %s", filename, diagSummary(diags))
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, nil, &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode %s: %s", filename, diagSummary(diags))
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// diagSummary flattens HCL diagnostics into a single message with positions.
func diagSummary(diags hcl.Diagnostics) string {
	msg := ""
	for i, d := range diags {
		if i > 0 {
			msg += "; "
		}
		if d.Subject != nil {
			msg += fmt.Sprintf("%s: %s", d.Subject, d.Summary)
		} else {
			msg += d.Summary
		}
		if d.Detail != "" {
			msg += " (" + d.Detail + ")"
		}
	}
	return msg
}

// applyDefaults fills in catalog entries the file omitted. A file with no
// service or mode blocks gets the full built-in catalog; a file that defines
// some services keeps built-in definitions for the rest so that modes can
// reference them.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if len(cfg.Services) == 0 {
		cfg.Services = def.Services
	} else {
		have := make(map[string]bool, len(cfg.Services))
		for _, s := range cfg.Services {
			have[s.Name] = true
		}
		for _, s := range def.Services {
			if !have[s.Name] {
				cfg.Services = append(cfg.Services, s)
			}
		}
	}

	if len(cfg.Modes) == 0 {
		cfg.Modes = def.Modes
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Audit == nil {
		cfg.Audit = def.Audit
	}
	if cfg.Leak == nil {
		cfg.Leak = def.Leak
	} else {
		if len(cfg.Leak.AddressServices) == 0 {
			cfg.Leak.AddressServices = def.Leak.AddressServices
		}
		if cfg.Leak.AttestationURL == "" {
			cfg.Leak.AttestationURL = def.Leak.AttestationURL
		}
	}
}
