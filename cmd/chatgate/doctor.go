package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"chatgate/internal/channel"
	"chatgate/internal/config"
	"chatgate/internal/store"
	"chatgate/internal/watcher"
)

// checks tallies doctor results.
type checks struct {
	passed, warned, failed int
}

func (c *checks) pass(check, detail string) {
	c.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (c *checks) fail(check, detail string) {
	c.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (c *checks) warn(check, detail string) {
	c.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the gateway installation",
		Long: `Verifies that the configuration, database, listen port and optional Redis
broker are usable, and that at least one connector and channel exist.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatgate doctor v%s\n\n", version)

			var c checks
			if _, err := os.Stat(cfgPath); err != nil {
				c.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				c.pass("Config file", cfgPath)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				c.fail("Config validation", err.Error())
				return summarize(c)
			}
			c.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			checkStore(ctx, &c, cfg.Store.Path)

			if err := checkPort(cfg.Server.Addr()); err != nil {
				c.warn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
			} else {
				c.pass("Listen address", cfg.Server.Addr()+" available")
			}

			switch {
			case cfg.Server.AdminAPIKey == "":
				c.warn("Admin API", "disabled (server.admin_api_key is empty)")
			case len(cfg.Server.AdminAPIKey) < 16:
				c.warn("Admin API", "key shorter than 16 characters")
			default:
				c.pass("Admin API", "enabled")
			}

			if cfg.Server.PublicURL == "" {
				c.warn("Public URL", "not set, channels get no webhook URL")
			} else {
				c.pass("Public URL", cfg.Server.PublicURL)
			}

			if cfg.Redis.URL != "" {
				if err := checkRedis(ctx, cfg.Redis); err != nil {
					c.fail("Redis", err.Error())
				} else {
					c.pass("Redis", config.Sanitize(cfg).Redis.URL)
				}
			}

			if cfg.Log.File != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
					c.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					c.pass("Log file", cfg.Log.File)
				}
			}

			return summarize(c)
		},
	}
}

func summarize(c checks) error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
	if c.failed > 0 {
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	return nil
}

// checkStore opens (and migrates) the database and reports what it holds.
func checkStore(ctx context.Context, c *checks, path string) {
	st, err := store.Open(path, nil)
	if err != nil {
		c.fail("Database", err.Error())
		return
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		c.fail("Database", fmt.Sprintf("cannot ping: %v", err))
		return
	}
	v, dirty, err := st.SchemaVersion()
	switch {
	case err != nil:
		c.fail("Schema", err.Error())
	case dirty:
		c.fail("Schema", fmt.Sprintf("version %d is dirty, fix it and re-run migrate", v))
	default:
		c.pass("Database", fmt.Sprintf("%s (schema v%d)", path, v))
	}

	connectors, err := st.ListConnectors(ctx)
	if err != nil {
		c.fail("Connectors", err.Error())
		return
	}
	if len(connectors) == 0 {
		c.warn("Connectors", "none configured, create one through the admin API")
		return
	}
	c.pass("Connectors", fmt.Sprintf("%d active", len(connectors)))

	channels, err := st.ListChannels(ctx, "")
	if err != nil {
		c.fail("Channels", err.Error())
		return
	}
	adapters := channel.DefaultRegistry(channel.Options{})
	active := 0
	for _, ch := range channels {
		if !adapters.Supports(ch.Type) {
			c.warn("Channel "+ch.Slug, fmt.Sprintf("unknown type %q", ch.Type))
			continue
		}
		if ch.IsActive && ch.IsActivated {
			active++
		}
	}
	if active == 0 {
		c.warn("Channels", "no activated channel")
	} else {
		c.pass("Channels", fmt.Sprintf("%d activated", active))
	}
}

func checkRedis(ctx context.Context, cfg config.RedisConfig) error {
	broker, err := watcher.NewRedisBroker(watcher.RedisConfig{URL: cfg.URL, Channel: cfg.Channel}, nil)
	if err != nil {
		return err
	}
	defer broker.Close()
	return broker.Ping(ctx)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
