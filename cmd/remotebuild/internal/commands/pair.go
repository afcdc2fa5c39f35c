package commands

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/wolfeidau/remotebuild/internal/client"
	"github.com/wolfeidau/remotebuild/internal/logger"
)

// PairCmd redeems a pin shown by a running server.
type PairCmd struct {
	Pin       string        `arg:"" help:"pairing pin printed by the server"`
	Host      string        `help:"server host name" default:"localhost" env:"REMOTEBUILD_HOST"`
	Port      int           `help:"server port" default:"3000" env:"REMOTEBUILD_PORT"`
	Out       string        `help:"where to write the client bundle" type:"path" default:"client.pfx"`
	CACert    string        `help:"CA certificate used to verify the server" type:"path" env:"REMOTEBUILD_CA_CERT"`
	Plaintext bool          `help:"connect over plain HTTP to an insecure server"`
	Retries   uint          `help:"download attempts for transient failures" default:"5"`
	Timeout   time.Duration `help:"per request timeout" default:"30s"`
}

func (c *PairCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg := client.DefaultConfig()
	cfg.Logger = log
	cfg.MaxTries = c.Retries
	cfg.Timeout = c.Timeout

	scheme := "https"
	switch {
	case c.Plaintext:
		scheme = "http"
	case c.CACert != "":
		pool, err := loadCertPool(c.CACert)
		if err != nil {
			return err
		}
		cfg.RootCAs = pool
	default:
		// the CA arrives inside the bundle, so first contact cannot verify the server
		log.Warn().Msg("No --ca-cert given, the server certificate will not be verified")
		cfg.InsecureSkipVerify = true
	}

	baseURL := scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))

	bundle, err := client.New(cfg).Pair(ctx, baseURL, c.Pin, c.Out)
	if err != nil {
		switch {
		case errors.Is(err, client.ErrPinRejected):
			return fmt.Errorf("pin %s was not accepted, it may have expired or already been used", c.Pin)
		case errors.Is(err, client.ErrPinThrottled):
			return fmt.Errorf("too many failed pin attempts from this host, wait a minute and try again")
		case errors.Is(err, client.ErrBundleLost):
			return fmt.Errorf("%w, issue a new pin on the server and pair again", err)
		}
		return err
	}

	printf(globals, "Saved %s for %s, valid until %s\n",
		c.Out, bundle.Certificate.Subject.CommonName, bundle.Certificate.NotAfter.Format(time.RFC3339))

	return nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}

	return pool, nil
}
