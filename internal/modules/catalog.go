package modules

import (
	"fmt"
	"slices"
	"sync"
)

// Catalog maps locators to module factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory under locator. Registering the same locator twice is an error.
func (c *Catalog) Register(locator string, f Factory) error {
	if locator == "" {
		return fmt.Errorf("module locator is required")
	}
	if f == nil {
		return fmt.Errorf("module %q: factory is nil", locator)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[locator]; exists {
		return fmt.Errorf("module %q is already registered", locator)
	}
	c.factories[locator] = f

	return nil
}

// MustRegister is Register that panics on error, for use in package init.
func (c *Catalog) MustRegister(locator string, f Factory) {
	if err := c.Register(locator, f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered under locator.
func (c *Catalog) Lookup(locator string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.factories[locator]
	return f, ok
}

// Names returns the registered locators in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}
