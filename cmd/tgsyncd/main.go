package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/tgsync/internal/config"
	"github.com/matheus3301/tgsync/internal/daemon"
	"github.com/matheus3301/tgsync/internal/profile"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

func main() {
	app := &cli.App{
		Name:  "tgsyncd",
		Usage: "supervise the bridge worker and mirror its messages into the profile database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "profile",
				Usage:   "profile name (overrides config default)",
				EnvVars: []string{"TGSYNC_PROFILE"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "config file",
				Value:   profile.ConfigPath(),
				EnvVars: []string{"TGSYNC_CONFIG"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	name := profile.Resolve(c.String("profile"))
	if err := profile.ValidateName(name); err != nil {
		return err
	}
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: name, Config: cfg}),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
