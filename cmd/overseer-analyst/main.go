package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/analyst"
	"github.com/mediaplane/overseer/api/client"
	"github.com/mediaplane/overseer/build"
	"github.com/mediaplane/overseer/lib/ovlog"
)

var log = logging.Logger("main")

func main() {
	ovlog.SetupLogLevels()

	app := &cli.App{
		Name:                 "overseer-analyst",
		Usage:                "Reference analyst that runs overseer tasks through a local command",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Commands:             []*cli.Command{runCmd},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

var runCmd = &cli.Command{
	Name:      "run",
	Usage:     "Register with the control plane and execute tasks",
	ArgsUsage: "-- <command> [args...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "listen-endpoint",
			Usage:    "host:port this analyst is known by",
			EnvVars:  []string{"OVERSEER_ANALYST_ENDPOINT"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "api",
			Usage:   "control plane address",
			EnvVars: []string{"OVERSEER_API"},
			Value:   "http://127.0.0.1:8066",
		},
		&cli.StringFlag{
			Name:  "exec",
			Usage: "command run through /bin/sh for every task, instead of the trailing arguments",
		},
		&cli.StringFlag{
			Name:  "reserve-ram",
			Usage: "memory withheld from what is reported as free, e.g. 2GiB",
			Value: "0",
		},
		&cli.IntFlag{
			Name:  "threads",
			Usage: "threads reported to the control plane, 0 for the CPU count",
		},
		&cli.DurationFlag{
			Name:  "ping-interval",
			Value: 15 * time.Second,
		},
		&cli.DurationFlag{
			Name:  "stats-interval",
			Usage: "minimum time between processor stats reports",
			Value: 5 * time.Second,
		},
		&cli.DurationFlag{
			Name:  "min-idle",
			Usage: "first wait after an empty poll",
			Value: time.Second,
		},
		&cli.DurationFlag{
			Name:  "max-idle",
			Usage: "longest wait between polls",
			Value: 30 * time.Second,
		},
	},
	Action: func(cctx *cli.Context) error {
		command := cctx.Args().Slice()
		if e := cctx.String("exec"); e != "" {
			command = []string{"/bin/sh", "-c", e}
		}
		if len(command) == 0 {
			return xerrors.New("no task command given, use --exec or trailing arguments")
		}

		reserve, err := units.RAMInBytes(cctx.String("reserve-ram"))
		if err != nil {
			return xerrors.Errorf("parsing --reserve-ram: %w", err)
		}
		if reserve < 0 {
			return xerrors.Errorf("--reserve-ram must not be negative")
		}

		c, err := client.New(cctx.String("api"),
			client.WithAnalyst(cctx.String("listen-endpoint")),
			client.WithBackoff(cctx.Duration("min-idle"), cctx.Duration("max-idle")))
		if err != nil {
			return err
		}

		w, err := analyst.New(c, analyst.Config{
			Endpoint:      cctx.String("listen-endpoint"),
			Command:       command,
			PingInterval:  cctx.Duration("ping-interval"),
			StatsInterval: cctx.Duration("stats-interval"),
			ReserveRAM:    uint64(reserve),
			Threads:       cctx.Int("threads"),
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Infow("starting analyst", "endpoint", cctx.String("listen-endpoint"), "api", cctx.String("api"),
			"version", build.UserVersion(), "reserveRam", units.BytesSize(float64(reserve)))
		return w.Run(ctx)
	},
}
