package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
)

var tenantsCmd = &cli.Command{
	Name:  "tenants",
	Usage: "Manage tenants",
	Subcommands: []*cli.Command{
		tenantsCreateCmd,
		tenantsListCmd,
	},
}

var tenantsCreateCmd = &cli.Command{
	Name:      "create",
	Usage:     "Create a tenant",
	ArgsUsage: "<name>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.Errorf("expected 1 argument, got %d", cctx.NArg())
		}
		c, err := apiClient(cctx)
		if err != nil {
			return err
		}
		t, err := c.CreateTenant(cctx.Context, cctx.Args().First())
		if err != nil {
			return err
		}
		fmt.Println(t.ID)
		return nil
	},
}

var tenantsListCmd = &cli.Command{
	Name:  "list",
	Usage: "List tenants",
	Action: func(cctx *cli.Context) error {
		c, err := apiClient(cctx)
		if err != nil {
			return err
		}
		ts, err := c.ListTenants(cctx.Context)
		if err != nil {
			return err
		}
		tw := newTable(os.Stdout)
		_, _ = fmt.Fprintln(tw, "ID\tName\tCreated")
		for _, t := range ts {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Name, ago(t.TimeCreated))
		}
		return tw.Flush()
	},
}
