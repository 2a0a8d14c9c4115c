package prompt_test

import (
	"testing"

	"github.com/finsight/finsight/engine/internal/prompt"
)

func TestRender_SubstitutesVariables(t *testing.T) {
	r := prompt.NewRegistry(map[string]string{
		"greeting": "Hello {{name}}, you asked about {{topic}}.",
	})

	out, err := r.Render("greeting", map[string]string{
		"name":  "analyst",
		"topic": "bonds",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "Hello analyst, you asked about bonds." {
		t.Errorf("Render = %q", out)
	}
}

func TestRender_UnknownTemplate(t *testing.T) {
	r := prompt.NewRegistry(nil)
	if _, err := r.Render("missing", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestRender_UnboundVariableLeftVerbatim(t *testing.T) {
	r := prompt.NewRegistry(map[string]string{"t": "value: {{x}}"})
	out, err := r.Render("t", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "value: {{x}}" {
		t.Errorf("Render = %q, want unbound placeholder untouched", out)
	}
}

func TestVariables(t *testing.T) {
	vars := prompt.Variables("{{a}} and {{b}} and {{a}}")
	if len(vars) != 2 || vars[0] != "a" || vars[1] != "b" {
		t.Errorf("Variables = %v, want [a b]", vars)
	}
}

func TestRegisterOverrides(t *testing.T) {
	r := prompt.NewRegistry(map[string]string{"t": "old"})
	r.Register("t", "new")
	out, _ := r.Render("t", nil)
	if out != "new" {
		t.Errorf("Render = %q after override", out)
	}
}
