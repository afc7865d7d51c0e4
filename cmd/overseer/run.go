package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/lib/ovlog"
	"github.com/mediaplane/overseer/node"
	"github.com/mediaplane/overseer/node/config"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the control plane: HTTP API and maintenance sweeper",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "host address and port the API will listen on; overrides API.ListenAddress",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.FromFile(cctx.String(FlagConfig))
		if err != nil {
			return xerrors.Errorf("loading config: %w", err)
		}
		if err := ovlog.ApplySubsystemLevels(cfg.Logging.SubsystemLevels); err != nil {
			return err
		}
		if l := cctx.String("listen"); l != "" {
			cfg.API.ListenAddress = l
		}

		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := node.New(ctx, cfg)
		if err != nil {
			return xerrors.Errorf("creating node: %w", err)
		}
		defer func() {
			if err := n.Close(); err != nil {
				log.Errorw("closing node", "error", err)
			}
		}()

		lst, err := net.Listen("tcp", cfg.API.ListenAddress)
		if err != nil {
			return xerrors.Errorf("could not listen: %w", err)
		}
		srv := &http.Server{
			Handler:           http.TimeoutHandler(n.Handler(), time.Duration(cfg.API.Timeout), "request timed out"),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}

		shutdownCh := make(chan struct{})
		finishCh := node.MonitorShutdown(shutdownCh, node.ShutdownHandler{Component: "http", StopFunc: srv.Shutdown})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return n.Sweeper.Run(gctx)
		})
		g.Go(func() error {
			log.Infow("overseer listening", "address", lst.Addr().String())
			if err := srv.Serve(lst); !errors.Is(err, http.ErrServerClosed) {
				return xerrors.Errorf("serving api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			close(shutdownCh)
			<-finishCh
			return nil
		})
		return g.Wait()
	},
}
