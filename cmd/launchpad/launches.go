package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"launchpad/internal/app"
	"launchpad/internal/domain"
	"launchpad/internal/repo"
)

func launchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launches",
		Short: "Inspect persisted launches",
		Long:  "Reads from the backend when backend.url is set, otherwise from the workspace database.",
	}
	cmd.AddCommand(launchesListCmd())
	cmd.AddCommand(launchesShowCmd())
	cmd.AddCommand(launchesEventsCmd())
	return cmd
}

func launchesListCmd() *cobra.Command {
	var f repo.LaunchFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List launches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLaunches(cmd.Context(), func(ctx context.Context, l app.Launches) error {
				items, err := l.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Token", "Symbol", "Agent", "Status", "Mint", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.TokenName, it.TokenSymbol, it.AgentName, it.Status, deref(it.Mint), it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Creator, "creator", "", "creator wallet filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Mint, "mint", "", "mint filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func launchesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one launch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLaunches(cmd.Context(), func(ctx context.Context, l app.Launches) error {
				it, err := l.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				printKeyValues(launchRows(it))
				return nil
			})
		},
	}
}

func launchesEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Show the audit events of a launch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLaunches(cmd.Context(), func(ctx context.Context, l app.Launches) error {
				events, err := l.Events(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Step", "Status", "Message", "Created"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.Step, e.Status, e.Message, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func withLaunches(ctx context.Context, fn func(context.Context, app.Launches) error) error {
	return withApp(app.Options{}, func(a *app.App) error {
		return fn(ctx, a.Launches())
	})
}

func launchRows(l domain.Launch) [][2]string {
	rows := [][2]string{
		{"ID", l.ID},
		{"Status", l.Status},
		{"Creator", l.CreatorWallet},
		{"Token", fmt.Sprintf("%s (%s)", l.TokenName, l.TokenSymbol)},
		{"Agent", l.AgentName},
		{"Posting", l.PostingFrequency},
		{"Mint", deref(l.Mint)},
		{"Signature", deref(l.TxSignature)},
		{"Trade", deref(l.TradingURL)},
		{"Image", deref(l.ImageURL)},
		{"Claim URL", deref(l.IdentityClaimURL)},
		{"Created", l.CreatedAt},
		{"Updated", l.UpdatedAt},
	}
	out := rows[:0]
	for _, r := range rows {
		if r[1] != "" {
			out = append(out, r)
		}
	}
	return out
}

func printKeyValues(rows [][2]string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	for _, r := range rows {
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.Render()
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
