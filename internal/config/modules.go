package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ModuleConfig describes one module to mount on the server.
type ModuleConfig struct {
	// Name is the key of the module in the configuration
	Name string
	// MountPath is the URL prefix the module router is served under
	MountPath string
	// LoadLocator names the factory in the module catalog, defaults to Name
	LoadLocator string
	// Options holds every other key of the module entry
	Options map[string]any
}

// Locator returns the catalog key used to find the module factory.
func (m ModuleConfig) Locator() string {
	if m.LoadLocator != "" {
		return m.LoadLocator
	}
	return m.Name
}

// String returns the option value for key, or def if absent or not a string.
func (m ModuleConfig) String(key, def string) string {
	if v, ok := m.Options[key].(string); ok {
		return v
	}
	return def
}

// Strings returns the option value for key as a string slice.
func (m ModuleConfig) Strings(key string) []string {
	switch v := m.Options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// Bool returns the option value for key, or def if absent or not a bool.
func (m ModuleConfig) Bool(key string, def bool) bool {
	if v, ok := m.Options[key].(bool); ok {
		return v
	}
	return def
}

// ModuleList keeps modules in the order they appear in the configuration.
type ModuleList []ModuleConfig

// UnmarshalYAML decodes a mapping of module name to module entry, preserving key order.
func (l *ModuleList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: modules must be a mapping of name to configuration", node.Line)
	}

	list := make(ModuleList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]

		mod := ModuleConfig{Name: keyNode.Value}

		var raw map[string]any
		if err := valueNode.Decode(&raw); err != nil {
			return fmt.Errorf("module %q: %w", mod.Name, err)
		}

		var requirePath string
		for k, v := range raw {
			switch k {
			case "mountPath":
				mod.MountPath, _ = v.(string)
			case "loadLocator":
				mod.LoadLocator, _ = v.(string)
			case "requirePath":
				requirePath, _ = v.(string)
			default:
				if mod.Options == nil {
					mod.Options = make(map[string]any)
				}
				mod.Options[k] = v
			}
		}

		if mod.LoadLocator == "" {
			mod.LoadLocator = requirePath
		}

		list = append(list, mod)
	}

	*l = list
	return nil
}
