// Command throttled runs the rate limiting daemon.
//
// Usage:
//
//	throttled serve --config throttle.yaml
//	throttled validate --config throttle.yaml
//	throttled report --config throttle.yaml --since 24h
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the rate limiting daemon."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file and list the rules."`
	Report   ReportCmd   `cmd:"" help:"Show violation counts from the audit database."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"throttle.yaml" env:"THROTTLE_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides the config file."`
	LogFormat string `help:"Log format (json, console). Overrides the config file."`
}

// load reads the config file and applies the logging settings.
func (c *CLI) load() (*config.Config, error) {
	if err := config.LoadEnvFiles(); err != nil {
		log.Warn().Err(err).Msg("failed to load .env files")
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Log.Format = c.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Log.Apply(os.Stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("throttled"),
		kong.Description("Distributed token bucket rate limiter."),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "throttled:", err)
		os.Exit(1)
	}
}
