package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mediaplane/overseer/node/config"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Inspect the control plane config",
	Subcommands: []*cli.Command{
		configDefaultCmd,
		configShowCmd,
	},
}

var configDefaultCmd = &cli.Command{
	Name:    "default",
	Aliases: []string{"defaults"},
	Usage:   "Print the default config",
	Action: func(cctx *cli.Context) error {
		return config.Encode(os.Stdout, config.DefaultOverseer())
	},
}

var configShowCmd = &cli.Command{
	Name:  "show",
	Usage: "Print the effective config: the config file over the defaults, with environment overrides",
	Action: func(cctx *cli.Context) error {
		cfg, err := config.FromFile(cctx.String(FlagConfig))
		if err != nil {
			return err
		}
		return config.Encode(os.Stdout, cfg)
	},
}
