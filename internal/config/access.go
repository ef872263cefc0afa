package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation
// path such as "pool.max_workers".
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	parts := strings.Split(path, ".")
	current := node

	for _, part := range parts {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("not a mapping node")
		}

		found := false
		for i := 0; i < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				current = current.Content[i+1]
				found = true
				break
			}
		}

		if !found {
			if !create {
				return nil, fmt.Errorf("key %q not found", part)
			}
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
			// Overwritten with a scalar if this is the last part.
			valueNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content, keyNode, valueNode)
			current = valueNode
		}
	}

	return current, nil
}

// SetPath sets a scalar value in the root config file. Without persist the
// edited document is only validated. With persist, the file is rewritten and
// reloaded; a change that fails Load is rolled back. A locked directory has
// its checksum entry for the file refreshed.
func (c *Config) SetPath(path, value string, persist bool) error {
	targetFile := c.resolveTargetFile()
	if targetFile == "" {
		return fmt.Errorf("no valid configuration source found")
	}

	source := c.SourceFiles[targetFile]
	if source == nil || source.Kind != yaml.DocumentNode {
		return fmt.Errorf("no valid configuration source found")
	}
	// Edit a copy so a rejected change leaves c untouched.
	rootNode, err := cloneNode(source)
	if err != nil {
		return err
	}

	target, err := findNode(rootNode.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}

	target.Kind = yaml.ScalarNode
	target.Content = nil
	target.Value = value
	target.Tag = guessTag(value)

	candidate, err := yaml.Marshal(rootNode)
	if err != nil {
		return err
	}

	if !persist {
		return c.checkCandidate(candidate)
	}
	if err := c.persistWithValidation(targetFile, candidate); err != nil {
		return err
	}
	c.SourceFiles[targetFile] = rootNode
	return nil
}

func cloneNode(n *yaml.Node) (*yaml.Node, error) {
	data, err := yaml.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to copy config node: %w", err)
	}
	var out yaml.Node
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy config node: %w", err)
	}
	return &out, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	isDigit := true
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			isDigit = false
			break
		}
	}
	if isDigit && v != "" && v != "-" {
		return "!!int"
	}
	return "!!str"
}

func (c *Config) resolveTargetFile() string {
	if c.root != "" {
		return c.root
	}
	for f := range c.SourceFiles {
		if filepath.Base(f) == "config.yaml" {
			return f
		}
	}
	for f := range c.SourceFiles {
		return f
	}
	return ""
}

// checkCandidate decodes the edited root file over the merged configuration
// and validates the result.
func (c *Config) checkCandidate(candidate []byte) error {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(candidate))), &node); err != nil {
		return fmt.Errorf("failed to parse edited config: %w", err)
	}
	probe := *c
	if err := node.Decode(&probe); err != nil {
		return fmt.Errorf("failed to decode edited config: %w", err)
	}
	if err := validate(&probe); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func (c *Config) persistWithValidation(targetFile string, candidate []byte) error {
	original, err := os.ReadFile(targetFile)
	if err != nil {
		return fmt.Errorf("failed to read original config file: %w", err)
	}

	mode := os.FileMode(0644)
	if info, statErr := os.Stat(targetFile); statErr == nil {
		mode = info.Mode().Perm()
	}

	if err := os.WriteFile(targetFile, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}
	restoreChecksums, err := relockFile(targetFile)
	if err != nil {
		_ = os.WriteFile(targetFile, original, mode)
		return err
	}

	if _, err := Load(targetFile); err != nil {
		restoreErr := errors.Join(os.WriteFile(targetFile, original, mode), restoreChecksums())
		if restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}
