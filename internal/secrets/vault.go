// Package secrets holds the credentials the liaison needs at runtime: the
// GitHub token used for statuses and merges, and the operator API token.
package secrets

import (
	"fmt"
	"log/slog"
	"sync"
)

// Well-known secret names. Lookups try them in the listed order.
var (
	GitHubToken   = []string{"GH_TOKEN", "GITHUB_TOKEN", "github_token"}
	OperatorToken = []string{"BOTLEAGUE_OPERATOR_TOKEN", "operator_token"}
)

// Loader reads every secret a source knows about.
type Loader func() (map[string]string, error)

// Vault is a reloadable, concurrency-safe snapshot of secrets.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault loads the initial snapshot.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Lookup returns the value of the first name that is set, or "".
func (v *Vault) Lookup(names ...string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, n := range names {
		if val := v.values[n]; val != "" {
			return val
		}
	}
	return ""
}

// Func returns a getter that always sees the current snapshot. fallback is
// returned when none of names is set.
func (v *Vault) Func(fallback string, names ...string) func() string {
	return func() string {
		if val := v.Lookup(names...); val != "" {
			return val
		}
		return fallback
	}
}

// Reload replaces the snapshot. On error the previous values stay in place.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	changed := len(vals) != len(v.values)
	for k, val := range vals {
		if v.values[k] != val {
			changed = true
		}
	}
	v.values = vals
	v.mu.Unlock()
	slog.Info("secrets reloaded", "count", len(vals), "changed", changed)
	return nil
}
