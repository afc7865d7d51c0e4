package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

var analystsCmd = &cli.Command{
	Name:  "analysts",
	Usage: "Inspect and lock analysts",
	Subcommands: []*cli.Command{
		analystsListCmd,
		analystsLockCmd(true),
		analystsLockCmd(false),
	},
}

var analystsListCmd = &cli.Command{
	Name:  "list",
	Usage: "List analysts",
	Action: func(cctx *cli.Context) error {
		c, err := apiClient(cctx)
		if err != nil {
			return err
		}
		as, err := c.ListAnalysts(cctx.Context)
		if err != nil {
			return err
		}
		tw := newTable(os.Stdout)
		_, _ = fmt.Fprintln(tw, "ID\tEndpoint\tState\tLock\tLive\tTask\tRAM free/total\tLoad\tThreads\tVersion\tLast ping")
		for _, a := range as {
			live := color.RedString("no")
			if a.Live {
				live = color.GreenString("yes")
			}
			task := "-"
			if a.TaskID != nil {
				task = a.TaskID.String()
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s/%s\t%.2f\t%d\t%s\t%s\n",
				a.ID, a.Endpoint, colorState(a.State), colorState(a.Lock), live, task,
				humanize.IBytes(a.FreeRAM), humanize.IBytes(a.TotalRAM), a.Load, a.Threads, a.Version, ago(a.TimePing))
		}
		return tw.Flush()
	},
}

func analystsLockCmd(lock bool) *cli.Command {
	name, usage := "unlock", "Allow an analyst to receive work again"
	if lock {
		name, usage = "lock", "Stop handing work to an analyst; its current task is left alone"
	}
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<analyst id>",
		Action: func(cctx *cli.Context) error {
			id, err := uuidArg(cctx)
			if err != nil {
				return err
			}
			c, err := apiClient(cctx)
			if err != nil {
				return err
			}
			a, err := c.SetAnalystLock(cctx.Context, id, lock)
			if err != nil {
				return err
			}
			fmt.Printf("analyst %s is %s\n", a.Endpoint, colorState(a.Lock))
			return nil
		},
	}
}
