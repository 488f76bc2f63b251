package conversation

import (
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBasePrompt is used when neither the conversation nor the config
// supplies a prompt.
const DefaultBasePrompt = "Olet avulias ja ystävällinen assistentti joka vastaa suomeksi."

// Level is one named point on a 0..1 scale.
type Level struct {
	Name  string
	Value float64
}

// LevelTable is an ordered set of levels. In YAML it is written as a
// mapping whose key order is kept.
type LevelTable []Level

// UnmarshalYAML decodes a mapping node in document order.
func (t *LevelTable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: level table must be a mapping", node.Line)
	}
	out := make(LevelTable, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var lv Level
		if err := node.Content[i].Decode(&lv.Name); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&lv.Value); err != nil {
			return fmt.Errorf("level %q: %w", lv.Name, err)
		}
		out = append(out, lv)
	}
	*t = out
	return nil
}

// MarshalYAML writes the table back as an ordered mapping.
func (t LevelTable) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, lv := range t {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: lv.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprintf("%g", lv.Value)},
		)
	}
	return node, nil
}

// Nearest returns the name of the level closest to v. Ties go to the level
// listed first.
func (t LevelTable) Nearest(v float64) (string, bool) {
	best, bestDiff := "", math.Inf(1)
	for _, lv := range t {
		if d := math.Abs(lv.Value - v); d < bestDiff {
			best, bestDiff = lv.Name, d
		}
	}
	return best, best != ""
}

// PromptConfig holds the base prompt and the tone and flirt tables.
type PromptConfig struct {
	Base           string            `yaml:"base"`
	ToneLevels     LevelTable        `yaml:"tone_levels"`
	FlirtLevels    LevelTable        `yaml:"flirt_levels"`
	ToneModifiers  map[string]string `yaml:"tone_modifiers"`
	FlirtModifiers map[string]string `yaml:"flirt_modifiers"`
}

// DefaultPromptConfig returns the built-in Finnish prompt tables.
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		Base: DefaultBasePrompt,
		ToneLevels: LevelTable{
			{Name: "formal", Value: 0.0},
			{Name: "neutral", Value: 0.5},
			{Name: "casual", Value: 1.0},
		},
		FlirtLevels: LevelTable{
			{Name: "none", Value: 0.0},
			{Name: "subtle", Value: 0.3},
			{Name: "moderate", Value: 0.6},
			{Name: "high", Value: 1.0},
		},
		ToneModifiers: map[string]string{
			"formal":  "Käytä muodollista ja kohteliasta kieltä.",
			"neutral": "Käytä neutraalia ja ystävällistä sävyä.",
			"casual":  "Käytä rentoa ja tuttavallista kieltä.",
		},
		FlirtModifiers: map[string]string{
			"none":     "",
			"subtle":   "Voit olla hienovaraisen leikkisä.",
			"moderate": "Voit flirttailla kevyesti.",
			"high":     "Ole avoimen flirttaileva ja leikkisä.",
		},
	}
}

// SystemPrompt returns custom when set, otherwise the base prompt followed
// by the tone and flirt modifiers nearest to the given levels.
func (p PromptConfig) SystemPrompt(tone, flirt float64, custom string) string {
	if strings.TrimSpace(custom) != "" {
		return custom
	}

	var b strings.Builder
	b.WriteString(p.Base)
	if p.Base == "" {
		b.WriteString(DefaultBasePrompt)
	}
	if key, ok := p.ToneLevels.Nearest(tone); ok {
		if mod := p.ToneModifiers[key]; mod != "" {
			b.WriteString(" " + mod)
		}
	}
	if key, ok := p.FlirtLevels.Nearest(flirt); ok {
		if mod := p.FlirtModifiers[key]; mod != "" {
			b.WriteString(" " + mod)
		}
	}
	return b.String()
}
