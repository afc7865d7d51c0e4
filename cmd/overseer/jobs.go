package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
)

var jobsCmd = &cli.Command{
	Name:  "jobs",
	Usage: "Manage jobs",
	Subcommands: []*cli.Command{
		jobsSubmitCmd,
		jobsGetCmd,
		jobsListCmd,
		jobsCancelCmd,
		jobsRestartCmd,
		jobsErrorsCmd,
	},
}

func uuidArg(cctx *cli.Context) (uuid.UUID, error) {
	if cctx.NArg() != 1 {
		return uuid.Nil, xerrors.Errorf("expected 1 id argument, got %d", cctx.NArg())
	}
	id, err := uuid.Parse(cctx.Args().First())
	if err != nil {
		return uuid.Nil, xerrors.Errorf("parsing id: %w", err)
	}
	return id, nil
}

var jobsSubmitCmd = &cli.Command{
	Name:      "submit",
	Usage:     "Launch a job described by a JSON file",
	ArgsUsage: "<job.json>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "tenant", Usage: "tenant id, overrides the job file"},
		&cli.StringFlag{Name: "name", Usage: "job name, overrides the job file"},
		&cli.StringFlag{Name: "priority", Usage: "Interactive, Standard or Reindex, overrides the job file"},
		&cli.IntFlag{Name: "max-running", Usage: "running task cap, overrides the job file", Value: -1},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.Errorf("expected a job file")
		}
		raw, err := os.ReadFile(cctx.Args().First())
		if err != nil {
			return xerrors.Errorf("reading job file: %w", err)
		}
		var spec api.JobSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return xerrors.Errorf("decoding job file: %w", err)
		}

		if t := cctx.String("tenant"); t != "" {
			if spec.TenantID, err = uuid.Parse(t); err != nil {
				return xerrors.Errorf("parsing tenant: %w", err)
			}
		}
		if n := cctx.String("name"); n != "" {
			spec.Name = n
		}
		if p := cctx.String("priority"); p != "" {
			prio, err := api.ParsePriority(p)
			if err != nil {
				return err
			}
			spec.Priority = &prio
		}
		if m := cctx.Int("max-running"); m >= 0 {
			spec.MaxRunningTasks = &m
		}

		c, err := apiClient(cctx)
		if err != nil {
			return err
		}
		job, err := c.LaunchJob(cctx.Context, spec)
		if err != nil {
			return err
		}
		fmt.Printf("launched job %s with %d tasks\n", job.ID, job.Counts.Total())
		return nil
	},
}

var jobsGetCmd = &cli.Command{
	Name:      "get",
	Usage:     "Show a job with its tasks and processor timings",
	ArgsUsage: "<job id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: "print raw JSON"},
	},
	Action: func(cctx *cli.Context) error {
		id, err := uuidArg(cctx)
		if err != nil {
			return err
		}
		c, err := apiClient(cctx)
		if err != nil {
			return err
		}
		job, err := c.GetJob(cctx.Context, id)
		if err != nil {
			return err
		}
		tasks, err := c.JobTasks(cctx.Context, id)
		if err != nil {
			return err
		}
		stats, err := c.JobStats(cctx.Context, id)
		if err != nil {
			return err
		}
		if cctx.Bool("json") {
			return printJSON(map[string]any{"job": job, "tasks": tasks, "stats": stats})
		}

		fmt.Printf("Job:       %s (%s)\n", job.Name, job.ID)
		fmt.Printf("State:     %s\n", colorState(job.State))
		fmt.Printf("Priority:  %s\n", job.Priority)
		fmt.Printf("Progress:  %s, %d waiting, %d running, %d failed\n",
			progress(job.Counts), job.Counts.Waiting, job.Counts.Running, job.Counts.Failure)
		fmt.Printf("Created:   %s\n\n", ago(job.TimeCreated))

		tw := newTable(os.Stdout)
		_, _ = fmt.Fprintln(tw, "Task\tName\tState\tHost\tRuns\tExit\tStarted")
		for _, t := range tasks {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				t.ID, t.Name, colorState(t.State), t.Host, t.RunCount, t.ExitStatus, ago(t.TimeStarted))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if len(stats) > 0 {
			fmt.Println()
			tw = newTable(os.Stdout)
			_, _ = fmt.Fprintln(tw, "Processor\tSamples\tMin ms\tAvg ms\tMax ms")
			for _, s := range stats {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t%d\n", s.Processor, s.Count, s.MinMs, s.AvgMs(), s.MaxMs)
			}
			return tw.Flush()
		}
		return nil
	},
}

var jobsListCmd = &cli.Command{
	Name:  "list",
	Usage: "List jobs",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "tenant", Usage: "only jobs of this tenant"},
	},
	Action: func(cctx *cli.Context) error {
		tenant := uuid.Nil
		if t := cctx.String("tenant"); t != "" {
			var err error
			if tenant, err = uuid.Parse(t); err != nil {
				return xerrors.Errorf("parsing tenant: %w", err)
			}
		}
		c, err := apiClient(cctx)
		if err != nil {
			return err
		}
		js, err := c.ListJobs(cctx.Context, tenant)
		if err != nil {
			return err
		}
		tw := newTable(os.Stdout)
		_, _ = fmt.Fprintln(tw, "ID\tName\tPriority\tState\tProgress\tRunning\tCreated")
		for _, j := range js {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				j.ID, j.Name, j.Priority, colorState(j.State), progress(j.Counts),
				j.Counts.Running, j.MaxRunningTasks, ago(j.TimeCreated))
		}
		return tw.Flush()
	},
}

var jobsCancelCmd = &cli.Command{
	Name:      "cancel",
	Usage:     "Stop dispatching the waiting tasks of a job",
	ArgsUsage: "<job id>",
	Action: func(cctx *cli.Context) error {
		id, err := uuidArg(cctx)
		if err != nil {
			return err
		}
		c, err := apiClient(cctx)
		if err != nil {
			return err
		}
		job, err := c.CancelJob(cctx.Context, id)
		if err != nil {
			return err
		}
		fmt.Printf("job %s is %s\n", job.ID, colorState(job.State))
		return nil
	},
}

var jobsRestartCmd = &cli.Command{
	Name:      "restart",
	Usage:     "Resume a cancelled job",
	ArgsUsage: "<job id>",
	Action: func(cctx *cli.Context) error {
		id, err := uuidArg(cctx)
		if err != nil {
			return err
		}
		c, err := apiClient(cctx)
		if err != nil {
			return err
		}
		job, err := c.RestartJob(cctx.Context, id)
		if err != nil {
			return err
		}
		fmt.Printf("job %s is %s\n", job.ID, colorState(job.State))
		return nil
	},
}

var jobsErrorsCmd = &cli.Command{
	Name:      "errors",
	Usage:     "List the task errors of jobs or tasks",
	ArgsUsage: "<job id>...",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "task", Usage: "task ids to include"},
	},
	Action: func(cctx *cli.Context) error {
		var filter api.TaskErrorFilter
		for _, a := range cctx.Args().Slice() {
			id, err := uuid.Parse(a)
			if err != nil {
				return xerrors.Errorf("parsing job id %q: %w", a, err)
			}
			filter.JobIDs = append(filter.JobIDs, id)
		}
		for _, a := range cctx.StringSlice("task") {
			id, err := uuid.Parse(a)
			if err != nil {
				return xerrors.Errorf("parsing task id %q: %w", a, err)
			}
			filter.TaskIDs = append(filter.TaskIDs, id)
		}

		c, err := apiClient(cctx)
		if err != nil {
			return err
		}
		errs, err := c.TaskErrors(cctx.Context, filter)
		if err != nil {
			return err
		}
		tw := newTable(os.Stdout)
		_, _ = fmt.Fprintln(tw, "Task\tWhen\tAnalyst\tPhase\tProcessor\tFatal\tMessage")
		for _, e := range errs {
			fatal := ""
			if e.Fatal {
				fatal = colorState(api.JobFailure)
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.TaskID, ago(e.TimeCreated), e.Endpoint, e.Phase, e.Processor, fatal, e.Message)
		}
		return tw.Flush()
	},
}
