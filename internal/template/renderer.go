// Package template renders stored subject/body patterns with named variables
// using the Liquid template language.
package template

import (
	"context"
	"crypto/md5"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/osteele/liquid"

	"mailq/internal/domain"
)

// PlaceholderPolicy controls what happens to a {{var}} with no matching
// variable.
type PlaceholderPolicy int

const (
	// PolicyKeep leaves the placeholder verbatim in the output.
	PolicyKeep PlaceholderPolicy = iota
	// PolicyError fails the render, naming the missing variables.
	PolicyError
)

func ParsePolicy(s string) PlaceholderPolicy {
	if s == "error" {
		return PolicyError
	}
	return PolicyKeep
}

// Store is the template lookup the renderer needs. Inactive templates are
// never returned.
type Store interface {
	ActiveTemplate(ctx context.Context, id string) (subjectPattern, bodyPattern string, found bool, err error)
}

type Renderer struct {
	engine *liquid.Engine
	store  Store
	policy PlaceholderPolicy
	cache  sync.Map // md5(source) -> *liquid.Template
}

func NewRenderer(store Store, policy PlaceholderPolicy) *Renderer {
	return &Renderer{
		engine: liquid.NewEngine(),
		store:  store,
		policy: policy,
	}
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// ExtractVariables returns the distinct placeholder names in a pattern, in
// first-seen order.
func ExtractVariables(pattern string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(pattern, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Render resolves the active template and substitutes variables. It is a pure
// function of the stored patterns and vars: identical inputs yield identical
// output.
func (r *Renderer) Render(ctx context.Context, templateID string, vars map[string]string) (subject, body string, err error) {
	subjectPattern, bodyPattern, found, err := r.store.ActiveTemplate(ctx, templateID)
	if err != nil {
		return "", "", fmt.Errorf("template lookup: %w", err)
	}
	if !found {
		return "", "", domain.ErrTemplateNotFound
	}

	bindings, err := r.bindings(subjectPattern+" "+bodyPattern, vars)
	if err != nil {
		return "", "", err
	}

	subject, err = r.renderPattern(subjectPattern, bindings)
	if err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	body, err = r.renderPattern(bodyPattern, bindings)
	if err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return subject, body, nil
}

// bindings builds the Liquid variable map, applying the unresolved-placeholder
// policy for names the caller did not supply.
func (r *Renderer) bindings(combined string, vars map[string]string) (map[string]any, error) {
	bindings := make(map[string]any, len(vars))
	for k, v := range vars {
		bindings[k] = v
	}

	var missing []string
	for _, name := range ExtractVariables(combined) {
		if _, ok := vars[name]; ok {
			continue
		}
		missing = append(missing, name)
		// keep the placeholder text verbatim under PolicyKeep
		bindings[name] = "{{" + name + "}}"
	}
	if len(missing) > 0 && r.policy == PolicyError {
		sort.Strings(missing)
		return nil, fmt.Errorf("unresolved template variables: %v", missing)
	}
	return bindings, nil
}

func (r *Renderer) renderPattern(pattern string, bindings map[string]any) (string, error) {
	key := fmt.Sprintf("%x", md5.Sum([]byte(pattern)))
	var tpl *liquid.Template
	if cached, ok := r.cache.Load(key); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, serr := r.engine.ParseString(pattern)
		if serr != nil {
			return "", serr
		}
		r.cache.Store(key, parsed)
		tpl = parsed
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}
