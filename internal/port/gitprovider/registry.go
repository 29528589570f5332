package gitprovider

import (
	"fmt"
	"slices"
	"sync"
)

// Disabled selects no hosting platform: statuses and merges are skipped
// and problem definitions must come from the request.
const Disabled = "none"

// Config is what every provider factory is built from.
type Config struct {
	Hostname string // enterprise host; empty means the public service
	Token    string
}

// Factory builds a Provider.
type Factory func(Config) (Provider, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a provider available under name. Adapters call it from
// init; a duplicate name panics.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if name == Disabled {
		panic("gitprovider: " + Disabled + " is reserved")
	}
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("gitprovider: duplicate registration for %q", name))
	}
	factories[name] = f
}

// New builds the provider registered as name. Disabled and "" return a nil
// Provider and no error.
func New(name string, cfg Config) (Provider, error) {
	if name == "" || name == Disabled {
		return nil, nil
	}
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gitprovider: unknown provider %q (available: %v)", name, Available())
	}
	return f(cfg)
}

// Available lists the registered provider names in order.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
