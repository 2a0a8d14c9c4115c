// Package prompt is the prompt provider: a registry of opaque templates
// with {{variable}} substitution. The engine treats template wording as
// collaborator-supplied text and never inspects it.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var templateVarRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Registry holds named templates. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]string
}

// NewRegistry creates a registry preloaded with the given templates.
func NewRegistry(templates map[string]string) *Registry {
	r := &Registry{templates: make(map[string]string, len(templates))}
	for name, tpl := range templates {
		r.templates[name] = tpl
	}
	return r
}

// Register adds or replaces a template.
func (r *Registry) Register(name, template string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = template
}

// Render substitutes {{variable}} placeholders into the named template.
func (r *Registry) Render(name string, variables map[string]string) (string, error) {
	r.mu.RLock()
	tpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompt template %q not registered", name)
	}
	return RenderTemplate(tpl, variables), nil
}

// RenderTemplate substitutes {{variable}} placeholders with values from
// the provided variables map. Unknown placeholders are left intact.
func RenderTemplate(template string, variables map[string]string) string {
	result := template
	for key, val := range variables {
		result = strings.ReplaceAll(result, "{{"+key+"}}", val)
	}
	return result
}

// Variables extracts the distinct {{variable}} names in a template.
func Variables(template string) []string {
	matches := templateVarRegex.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool)
	var vars []string
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}
	return vars
}
