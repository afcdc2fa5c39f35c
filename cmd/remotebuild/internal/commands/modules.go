package commands

import (
	"context"

	"github.com/wolfeidau/remotebuild/internal/config"
	"github.com/wolfeidau/remotebuild/internal/modules"
)

// ModulesCmd lists the module catalog and, with a configuration, what would be mounted.
type ModulesCmd struct {
	ServerFlags `embed:""`

	Describe bool `help:"print the options of each module" default:"false"`
}

func (c *ModulesCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, err := c.Load()
	if err != nil {
		return err
	}

	catalog := DefaultCatalog(globals.Version)
	server := modules.ServerConfig{
		ServerDir: cfg.ServerDir,
		Port:      cfg.Port,
		Secure:    cfg.Secure,
		Lang:      cfg.Lang,
		Hostname:  cfg.Hostname,
	}

	printf(globals, "Available modules:\n")
	for _, name := range catalog.Names() {
		printf(globals, "  %s\n", name)

		if !c.Describe {
			continue
		}
		factory, _ := catalog.Lookup(name)
		if hp, ok := factory.(modules.HelpPrinter); ok {
			if err := hp.PrintHelp(stdout(globals), server, config.ModuleConfig{Name: name}); err != nil {
				return err
			}
		}
	}

	if len(cfg.Modules) == 0 {
		return nil
	}

	if err := modules.CheckMounts(cfg.Modules); err != nil {
		return localize(err, cfg.Lang)
	}

	printf(globals, "\nConfigured modules:\n")
	for _, m := range cfg.Modules {
		state := "ok"
		if _, ok := catalog.Lookup(m.Locator()); !ok {
			state = "unknown locator"
		}
		printf(globals, "  %-16s %-24s %s (%s)\n", m.Name, modules.Prefix(m), m.Locator(), state)
	}

	return nil
}
