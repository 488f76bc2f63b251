package conversation

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLevelTableNearest(t *testing.T) {
	table := LevelTable{
		{Name: "none", Value: 0.0},
		{Name: "subtle", Value: 0.3},
		{Name: "moderate", Value: 0.6},
		{Name: "high", Value: 1.0},
	}

	tests := []struct {
		level float64
		want  string
	}{
		{0.0, "none"},
		{0.1, "none"},
		{0.2, "subtle"},
		{0.4, "subtle"},
		{0.5, "moderate"},
		{0.75, "moderate"},
		{0.85, "high"},
		{1.0, "high"},
	}
	for _, tt := range tests {
		got, ok := table.Nearest(tt.level)
		if !ok || got != tt.want {
			t.Errorf("Nearest(%v) = %q, want %q", tt.level, got, tt.want)
		}
	}

	// Ties go to the level listed first.
	tone := LevelTable{{Name: "formal", Value: 0}, {Name: "neutral", Value: 0.5}, {Name: "casual", Value: 1}}
	if got, _ := tone.Nearest(0.25); got != "formal" {
		t.Errorf("tie at 0.25 = %q, want formal", got)
	}
	if got, _ := tone.Nearest(0.75); got != "neutral" {
		t.Errorf("tie at 0.75 = %q, want neutral", got)
	}

	if _, ok := (LevelTable{}).Nearest(0.5); ok {
		t.Error("empty table must not match")
	}
}

func TestLevelTableYAMLKeepsOrder(t *testing.T) {
	src := `
tone_levels:
  casual: 1.0
  formal: 0.0
  neutral: 0.5
`
	var cfg PromptConfig
	if err := yaml.Unmarshal([]byte(src), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	names := []string{}
	for _, lv := range cfg.ToneLevels {
		names = append(names, lv.Name)
	}
	if strings.Join(names, ",") != "casual,formal,neutral" {
		t.Errorf("order lost: %v", names)
	}

	out, err := yaml.Marshal(cfg.ToneLevels)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.HasPrefix(string(out), "casual: 1") {
		t.Errorf("unexpected output %q", out)
	}

	if err := yaml.Unmarshal([]byte("tone_levels: [1, 2]"), &cfg); err == nil {
		t.Error("expected error for a sequence")
	}
}

func TestSystemPrompt(t *testing.T) {
	p := DefaultPromptConfig()

	t.Run("custom prompt wins", func(t *testing.T) {
		if got := p.SystemPrompt(0, 1, "Olet merirosvo."); got != "Olet merirosvo." {
			t.Errorf("got %q", got)
		}
	})

	t.Run("formal without flirt", func(t *testing.T) {
		got := p.SystemPrompt(0.0, 0.0, "")
		want := DefaultBasePrompt + " Käytä muodollista ja kohteliasta kieltä."
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("casual and flirty", func(t *testing.T) {
		got := p.SystemPrompt(0.9, 0.7, "  ")
		if !strings.Contains(got, "rentoa") || !strings.Contains(got, "flirttailla kevyesti") {
			t.Errorf("got %q", got)
		}
	})

	t.Run("empty base falls back", func(t *testing.T) {
		got := PromptConfig{}.SystemPrompt(0.5, 0, "")
		if got != DefaultBasePrompt {
			t.Errorf("got %q", got)
		}
	})
}
