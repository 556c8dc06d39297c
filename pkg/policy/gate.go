// Package policy screens planned change sets with Rego policies before
// the applier runs them. Built-in policies guard against deleting
// platform bootstrap projects and against runaway mass deletes; operators
// add their own .rego files alongside.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/corral-sh/corral/pkg/engine"
)

// Gate implements engine.PolicyGate with OPA.
type Gate struct {
	mu       sync.RWMutex
	policies []Policy
	logger   zerolog.Logger
}

// NewGate creates a gate with the built-in policies loaded.
func NewGate(logger zerolog.Logger) *Gate {
	return &Gate{
		policies: GetBuiltinPolicies(),
		logger:   logger.With().Str("component", "policy_gate").Logger(),
	}
}

// LoadDir loads every .rego file in dir as an enabled policy named after
// its file. A missing directory loads nothing.
func (g *Gate) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read policy dir: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rego") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read policy %s: %w", e.Name(), err)
		}
		g.policies = append(g.policies, Policy{
			Name:    strings.TrimSuffix(e.Name(), ".rego"),
			Rego:    string(data),
			Enabled: true,
		})
		g.logger.Info().Str("policy", e.Name()).Msg("loaded policy")
	}
	return nil
}

// Check evaluates every enabled policy against every change item and
// returns the denied item indexes with their first denial reason.
func (g *Gate) Check(ctx context.Context, cs *engine.ChangeSet) (map[int]string, error) {
	g.mu.RLock()
	policies := g.policies
	g.mu.RUnlock()

	creates, updates, deletes := cs.Counts()
	counts := map[string]any{
		"creates": creates,
		"updates": updates,
		"deletes": deletes,
	}

	denied := make(map[int]string)
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		for i := range cs.Items {
			if _, ok := denied[i]; ok {
				continue
			}
			item := &cs.Items[i]
			input := map[string]any{
				"cluster": cs.Cluster,
				"counts":  counts,
				"item": map[string]any{
					"op":   string(item.Op),
					"kind": string(item.Kind),
					"id":   item.ID,
					"key":  item.Key,
				},
			}

			msgs, err := g.evaluate(ctx, p, input)
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", p.Name, err)
			}
			if len(msgs) > 0 {
				denied[i] = fmt.Sprintf("%s: %s", p.Name, msgs[0])
			}
		}
	}
	return denied, nil
}

// evaluate runs one policy's deny rule for one input.
func (g *Gate) evaluate(ctx context.Context, p Policy, input map[string]any) ([]string, error) {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(p.Rego))

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}

	var msgs []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range set {
				if msg, ok := d.(string); ok {
					msgs = append(msgs, msg)
				}
			}
		}
	}
	return msgs, nil
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "corral.policies"
}
