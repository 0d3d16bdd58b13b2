package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gammadia/warden/rm"
	"gopkg.in/yaml.v3"
)

type definitionsFile struct {
	NodeSources []rm.NodeSourceDefinition `yaml:"node-sources"`
}

// loadDefinitions reads the node sources to create at startup. An empty
// path means none.
func loadDefinitions(path string) ([]rm.NodeSourceDefinition, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read node sources: %w", err)
	}

	var file definitionsFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse node sources '%s': %w", path, err)
	}

	seen := map[string]bool{}
	for _, definition := range file.NodeSources {
		if err := definition.Validate(); err != nil {
			return nil, err
		}
		if seen[definition.Name] {
			return nil, fmt.Errorf("node source '%s' is defined twice", definition.Name)
		}
		seen[definition.Name] = true
	}
	return file.NodeSources, nil
}
