package ai

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ModelInfo struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	DisplayName string `yaml:"display_name" json:"displayName"`
	Description string `yaml:"description" json:"description"`
	Provider    string `yaml:"provider" json:"provider"`
	IsDefault   bool   `yaml:"default" json:"isDefault"`
}

// Catalog lists the models offered to clients. Defaults are fanned out
// to when a message names no models.
type Catalog struct {
	Models []ModelInfo `yaml:"models" json:"models"`
}

func DefaultCatalog() *Catalog {
	return &Catalog{Models: []ModelInfo{
		{
			ID:          "deepseek-ai/DeepSeek-V3",
			Name:        "DeepSeek-V3",
			DisplayName: "DeepSeek V3",
			Description: "General purpose reasoning model",
			Provider:    "huggingface",
			IsDefault:   true,
		},
		{
			ID:          "meta-llama/Llama-3.2-3B-Instruct",
			Name:        "Llama-3.2-3B-Instruct",
			DisplayName: "Llama 3.2 3B",
			Description: "Small, fast instruction-tuned model",
			Provider:    "huggingface",
			IsDefault:   true,
		},
		{
			ID:          "Qwen/Qwen2.5-Coder-32B-Instruct",
			Name:        "Qwen2.5-Coder-32B-Instruct",
			DisplayName: "Qwen 2.5 Coder",
			Description: "Code-focused model",
			Provider:    "huggingface",
			IsDefault:   true,
		},
	}}
}

// LoadCatalog reads a YAML catalog. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Models) == 0 {
		return errors.New("models file lists no models")
	}
	seen := map[string]bool{}
	for i := range c.Models {
		m := &c.Models[i]
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return fmt.Errorf("model #%d has no id", i+1)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		if m.Name == "" {
			m.Name = ModelName(m.ID)
		}
		if m.DisplayName == "" {
			m.DisplayName = m.Name
		}
	}
	return nil
}

// Defaults returns the ids flagged default, or the first model if none is.
func (c *Catalog) Defaults() []string {
	var out []string
	for _, m := range c.Models {
		if m.IsDefault {
			out = append(out, m.ID)
		}
	}
	if len(out) == 0 && len(c.Models) > 0 {
		out = append(out, c.Models[0].ID)
	}
	return out
}
