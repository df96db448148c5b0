// main.go - Veilpost daemon.
// Copyright (C) 2025  The veilpost authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// The veilpost daemon: a serverless store-nowhere messenger speaking
// the wake protocol over an anonymity network.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/veilpost/veilpost/client"
	"github.com/veilpost/veilpost/config"
	"github.com/veilpost/veilpost/gate"
	"github.com/veilpost/veilpost/transport"
)

const rootSecretFile = "root.secret"

type flags struct {
	configFile string
	handle     string
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "veilpost",
		Short: "Veilpost messaging daemon",
		Long: `The veilpost daemon runs a serverless peer-to-peer messenger.
Messages travel directly between peers over an anonymity network,
end-to-end encrypted with a hybrid post-quantum ratchet, delivered via
the ping/pong/ack wake protocol, with every frame padded to a fixed
size and interleaved with cover traffic.`,
		Example: `
  # Start the daemon with a configuration file
  veilpost --config /etc/veilpost/veilpost.toml --handle mallory`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(f)
		},
	}

	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "path to the configuration file (TOML format)")
	cmd.Flags().StringVar(&f.handle, "handle", "", "display handle announced to contacts")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("handle")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadOrCreateRootSecret reads the account root secret, creating it on
// first run.  Everything else -- keys, addresses -- derives from it.
func loadOrCreateRootSecret(dataDir string) ([]byte, error) {
	f := filepath.Join(dataDir, rootSecretFile)
	secret, err := os.ReadFile(f)
	switch {
	case err == nil:
		if len(secret) != 32 {
			return nil, fmt.Errorf("corrupted root secret '%v'", f)
		}
		return secret, nil
	case os.IsNotExist(err):
		secret = make([]byte, 32)
		if _, err = rand.Reader.Read(secret); err != nil {
			return nil, err
		}
		if err = os.WriteFile(f, secret, 0600); err != nil {
			return nil, err
		}
		return secret, nil
	default:
		return nil, err
	}
}

// proxyProbe reports transport health by reaching the upstream proxy.
func proxyProbe(cfg *transport.SOCKSConfig) gate.HealthProbe {
	if cfg == nil {
		return func() (gate.Health, error) {
			return gate.Health{BootstrapPercent: 100, CircuitCount: 1}, nil
		}
	}
	return func() (gate.Health, error) {
		conn, err := net.DialTimeout(cfg.Network, cfg.Address, 10*time.Second)
		if err != nil {
			return gate.Health{}, err
		}
		conn.Close()
		return gate.Health{BootstrapPercent: 100, CircuitCount: 1}, nil
	}
}

func runDaemon(f flags) error {
	syscall.Umask(0077)

	cfg, err := config.LoadFile(f.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", f.configFile, err)
	}
	if cfg.Listen == nil {
		return fmt.Errorf("config '%v' is missing the [Listen] section", f.configFile)
	}
	if err = os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	secret, err := loadOrCreateRootSecret(cfg.DataDir)
	if err != nil {
		return err
	}

	var dialer transport.Dialer = transport.DirectDialer{}
	if cfg.UpstreamProxy != nil {
		dialer = transport.NewSOCKSDialer(cfg.UpstreamProxy)
	}
	addresses := transport.DeriveAddresses(secret)
	network := transport.NewTCPNetwork(dialer, map[string]string{
		addresses.MessageInbound: cfg.Listen.MessageInbound,
		addresses.RequestInbound: cfg.Listen.RequestInbound,
	})

	c, err := client.New(cfg, secret, f.handle, network, proxyProbe(cfg.UpstreamProxy))
	if err != nil {
		return fmt.Errorf("failed to create client: %v", err)
	}
	if err = c.Start(); err != nil {
		return fmt.Errorf("failed to start client: %v", err)
	}
	defer c.Shutdown()

	fmt.Printf("discovery address: %s\n", addresses.Discovery)
	fmt.Printf("request-inbound address: %s\n", addresses.RequestInbound)
	fmt.Printf("message-inbound address: %s\n", addresses.MessageInbound)

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	// SIGHUP signals a connectivity change, e.g. from a network
	// manager dispatcher script.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case <-haltCh:
			return nil
		case <-hupCh:
			c.NetworkChanged()
		case <-c.HaltCh():
			return nil
		}
	}
}
