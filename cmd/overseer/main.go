package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api/client"
	"github.com/mediaplane/overseer/build"
	"github.com/mediaplane/overseer/lib/ovlog"
)

var log = logging.Logger("main")

const (
	FlagConfig = "config"
	FlagAPI    = "api"
)

func main() {
	ovlog.SetupLogLevels()

	app := &cli.App{
		Name:                 "overseer",
		Usage:                "Job and task dispatcher for the analyst fleet",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagConfig,
				EnvVars: []string{"OVERSEER_CONFIG"},
				Value:   "~/.overseer/config.toml",
				Usage:   "path to the control plane config",
			},
			&cli.StringFlag{
				Name:    FlagAPI,
				EnvVars: []string{"OVERSEER_API"},
				Value:   "http://127.0.0.1:8066",
				Usage:   "control plane address used by the admin commands",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			configCmd,
			tenantsCmd,
			jobsCmd,
			analystsCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func apiClient(cctx *cli.Context) (*client.Client, error) {
	c, err := client.New(cctx.String(FlagAPI))
	if err != nil {
		return nil, xerrors.Errorf("creating api client: %w", err)
	}
	return c, nil
}
