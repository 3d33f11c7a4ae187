package agent

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Catalog holds the system prompts of both agents.
type Catalog struct {
	Collector struct {
		RequiredFields []string         `yaml:"required_fields"`
		OptionalFields []string         `yaml:"optional_fields"`
		Base           string           `yaml:"base"`
		Stages         map[Stage]string `yaml:"stages"`
	} `yaml:"collector"`
	Coder struct {
		System string `yaml:"system"`
	} `yaml:"coder"`
}

// DefaultCatalog parses the embedded prompt catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultPrompts)
}

// ParseCatalog parses and validates a YAML prompt catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse prompt catalog: %w", err)
	}
	if strings.TrimSpace(c.Collector.Base) == "" {
		return nil, fmt.Errorf("prompt catalog: collector.base is empty")
	}
	for _, s := range []Stage{StageWelcome, StageCollecting, StageOptimizing, StageReady} {
		if strings.TrimSpace(c.Collector.Stages[s]) == "" {
			return nil, fmt.Errorf("prompt catalog: missing prompt for stage %q", s)
		}
	}
	if len(c.Collector.RequiredFields) == 0 {
		return nil, fmt.Errorf("prompt catalog: no required fields")
	}
	if strings.TrimSpace(c.Coder.System) == "" {
		return nil, fmt.Errorf("prompt catalog: coder.system is empty")
	}
	return &c, nil
}

// Fields returns required then optional field names.
func (c *Catalog) Fields() []string {
	out := make([]string, 0, len(c.Collector.RequiredFields)+len(c.Collector.OptionalFields))
	out = append(out, c.Collector.RequiredFields...)
	return append(out, c.Collector.OptionalFields...)
}

// Missing returns the required fields not present in collected.
func (c *Catalog) Missing(collected map[string]any) []string {
	missing := []string{}
	for _, f := range c.Collector.RequiredFields {
		if isEmptyValue(collected[f]) {
			missing = append(missing, f)
		}
	}
	return missing
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func (c *Catalog) collectorSystem(stage Stage, collected map[string]any, sources map[string]any) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(c.Collector.Base))
	b.WriteString("\n\nCurrent stage: ")
	b.WriteString(string(stage))
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(c.Collector.Stages[stage]))

	collectedJSON, _ := json.Marshal(collected)
	fmt.Fprintf(&b, "\n\nCollected so far: %s", collectedJSON)
	if missing := c.Missing(collected); len(missing) > 0 {
		fmt.Fprintf(&b, "\nStill missing: %s", strings.Join(missing, ", "))
	}
	if len(sources) > 0 {
		sourcesJSON, _ := json.Marshal(sources)
		fmt.Fprintf(&b, "\nResearch results: %s", sourcesJSON)
	}
	return b.String()
}
