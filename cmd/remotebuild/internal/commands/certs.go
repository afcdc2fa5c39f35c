package commands

import (
	"context"
	"time"

	"github.com/wolfeidau/remotebuild/internal/logger"
	"github.com/wolfeidau/remotebuild/internal/pki"
)

// CertsCmd ensures the CA and server certificates exist without starting the server.
type CertsCmd struct {
	ServerFlags `embed:""`

	Force   bool `help:"regenerate all four certificate files" default:"false"`
	PrintCA bool `help:"write the PEM encoded CA certificate to stdout for use with pair --ca-cert" name:"print-ca" default:"false"`
}

func (c *CertsCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := c.Load()
	if err != nil {
		return err
	}

	authority := pki.NewAuthority(cfg.ServerDir, cfg.Hostname, log)

	var store *pki.CertStore
	if c.Force {
		store, err = authority.Regenerate()
	} else {
		store, err = authority.Ensure()
	}
	if err != nil {
		return localize(err, cfg.Lang)
	}

	if c.PrintCA {
		_, err := stdout(globals).Write(store.CACertPEM())
		return err
	}

	paths := authority.Paths()
	ca, server := store.Validate(time.Now())

	printf(globals, "CA certificate:     %s\n", paths.CACert)
	printf(globals, "CA key:             %s\n", paths.CAKey)
	printf(globals, "Server certificate: %s\n", paths.ServerCert)
	printf(globals, "Server key:         %s\n", paths.ServerKey)
	printf(globals, "CA valid until:     %s (%d days)\n", ca.NotAfter.Format(time.DateOnly), ca.DaysRemaining)
	printf(globals, "Server valid until: %s (%d days)\n", server.NotAfter.Format(time.DateOnly), server.DaysRemaining)

	return nil
}
