package main

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"upsrouter/internal/config"
	"upsrouter/internal/upsclient"
)

const clientTimeout = 30 * time.Second

type commandContext struct {
	addrFlag   *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(addrFlag, configFlag *string) *commandContext {
	return &commandContext{
		addrFlag:   addrFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		// Env fallbacks may come from a .env file; a missing file is fine.
		_ = godotenv.Load()
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// client connects to --addr, falling back to the local daemon's bind
// address. The configured API token is sent with every request.
func (c *commandContext) client() (*upsclient.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	addr := ""
	if c.addrFlag != nil {
		addr = strings.TrimSpace(*c.addrFlag)
	}
	if addr == "" {
		addr = dialAddress(cfg.Server.Bind)
	}
	return c.clientFor(addr)
}

func (c *commandContext) clientFor(addr string) (*upsclient.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	client, err := upsclient.New(addr,
		upsclient.WithToken(cfg.Server.APIToken),
		upsclient.WithTimeout(clientTimeout),
	)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("no router address; set server.bind or pass --addr")
	}
	return client, nil
}

// dialAddress turns a wildcard listen address into one a client can reach.
func dialAddress(bind string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(bind))
	if err != nil {
		return bind
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func wrapClientError(err error, action string) error {
	if upsclient.IsUnavailable(err) {
		return fmt.Errorf("%s: router unreachable; start it with `upsrouter serve` or check --addr: %w", action, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
