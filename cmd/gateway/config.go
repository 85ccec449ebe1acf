package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML overlay for `gateway serve --config`,
// letting an operator pin server settings in a file instead of flags.
// Flags passed alongside --config still win (see serve in main.go).
//
// Grounded on the teacher's engine.LoadRunConfigFile/decodeYAMLStrict:
// strict decode (unknown fields rejected) and a trailing-document check.
type fileConfig struct {
	Addr        string `yaml:"addr,omitempty"`
	Repo        string `yaml:"repo,omitempty"`
	AuditEveryN int    `yaml:"audit_every_n,omitempty"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("decode %s: multiple documents are not allowed", path)
		}
		return nil, err
	}
	return &cfg, nil
}
