package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"upsrouter/internal/api"
	"upsrouter/internal/ups"
)

func newWorkitemCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workitem",
		Aliases: []string{"wi"},
		Short:   "Inspect and drive UPS workitems",
	}
	cmd.AddCommand(newWorkitemListCommand(ctx))
	cmd.AddCommand(newWorkitemShowCommand(ctx))
	cmd.AddCommand(newWorkitemCreateCommand(ctx))
	cmd.AddCommand(newWorkitemStateCommand(ctx))
	cmd.AddCommand(newWorkitemSubscribeCommand(ctx))
	cmd.AddCommand(newWorkitemUnsubscribeCommand(ctx))
	return cmd
}

func newWorkitemListCommand(ctx *commandContext) *cobra.Command {
	var stateFlag string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workitems, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter ups.State
			if strings.TrimSpace(stateFlag) != "" {
				state, err := ups.ParseState(stateFlag)
				if err != nil {
					return err
				}
				filter = state
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			items, err := client.List(cmd.Context(), filter)
			if err != nil {
				return wrapClientError(err, "list workitems")
			}
			summaries := api.SummarizeAll(items)
			if jsonOutput {
				return writeJSON(cmd, summaries)
			}

			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No workitems")
				return nil
			}
			colorize := shouldColorize(out)
			rows := make([][]string, 0, len(summaries))
			for _, s := range summaries {
				rows = append(rows, []string{
					s.UID,
					s.StudyUID,
					stateLabel(s.State, colorize),
					formatPercent(s.ProgressPercent),
					s.Priority,
					s.Detail(),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"UID", "Study", "State", "Progress", "Priority", "Detail"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&stateFlag, "state", "", "Only list workitems in this state")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newWorkitemShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <uid>",
		Short: "Show one workitem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			item, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return wrapClientError(err, "get workitem")
			}
			summary := api.Summarize(item)
			if jsonOutput {
				return writeJSON(cmd, summary)
			}
			printWorkitem(cmd, summary, item)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newWorkitemCreateCommand(ctx *commandContext) *cobra.Command {
	var req api.CreateWorkitemRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule a workitem on the router",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			item, err := client.Create(cmd.Context(), req)
			if err != nil {
				return wrapClientError(err, "create workitem")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created workitem %s (%s)\n", item.UID, item.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.StudyUID, "study", "", "Study Instance UID")
	cmd.Flags().StringSliceVar(&req.SeriesUIDs, "series", nil, "Series Instance UIDs (repeat or comma separate)")
	cmd.Flags().StringVar(&req.WADORSBase, "base", "", "WADO-RS base URL (defaults to dicomweb.default_base on the router)")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "LOW, MEDIUM or HIGH")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}

func newWorkitemStateCommand(ctx *commandContext) *cobra.Command {
	var (
		info    string
		reason  string
		percent float64
	)

	cmd := &cobra.Command{
		Use:   "state <uid> <SCHEDULED|IN_PROGRESS|COMPLETED|CANCELED>",
		Short: "Request a workitem state change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.UpdateStateRequest{
				State:              args[1],
				ProgressInfo:       info,
				CancellationReason: reason,
			}
			if cmd.Flags().Changed("progress") {
				req.ProgressPercent = ups.Percent(percent)
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			item, err := client.UpdateState(cmd.Context(), args[0], req)
			if err != nil {
				return wrapClientError(err, "update workitem state")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workitem %s is %s (%s)\n",
				item.UID, item.State, formatPercent(item.ProgressPercent))
			return nil
		},
	}
	cmd.Flags().Float64Var(&percent, "progress", 0, "Progress percent (0-100)")
	cmd.Flags().StringVar(&info, "info", "", "Progress description")
	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")
	return cmd
}

func newWorkitemSubscribeCommand(ctx *commandContext) *cobra.Command {
	var deletionLock bool

	cmd := &cobra.Command{
		Use:   "subscribe <uid> <subscriber-url>",
		Short: "Subscribe a node to a workitem's state changes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Subscribe(cmd.Context(), args[0], args[1], deletionLock); err != nil {
				return wrapClientError(err, "subscribe")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscribed %s to %s\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&deletionLock, "deletion-lock", false, "Record a deletion lock with the subscription")
	return cmd
}

func newWorkitemUnsubscribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <uid> <subscriber-url>",
		Short: "Remove a workitem subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Unsubscribe(cmd.Context(), args[0], args[1]); err != nil {
				return wrapClientError(err, "unsubscribe")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unsubscribed %s from %s\n", args[1], args[0])
			return nil
		},
	}
}

func newSubscribeGlobalCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe-global <subscriber-url>",
		Short: "Subscribe a node to every workitem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.AddGlobal(cmd.Context(), args[0]); err != nil {
				return wrapClientError(err, "global subscribe")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscribed %s to all workitems\n", args[0])
			return nil
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the router is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Health(cmd.Context()); err != nil {
				return wrapClientError(err, "health check")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Router healthy")
			return nil
		},
	}
}

func printWorkitem(cmd *cobra.Command, s api.WorkitemSummary, item *ups.Workitem) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	fmt.Fprintf(out, "UID:        %s\n", s.UID)
	fmt.Fprintf(out, "Study:      %s\n", s.StudyUID)
	fmt.Fprintf(out, "State:      %s\n", stateLabel(s.State, colorize))
	fmt.Fprintf(out, "Priority:   %s\n", s.Priority)
	fmt.Fprintf(out, "Progress:   %s\n", formatPercent(s.ProgressPercent))
	if detail := s.Detail(); detail != "" {
		fmt.Fprintf(out, "Detail:     %s\n", detail)
	}
	if s.ScheduledStart != "" {
		fmt.Fprintf(out, "Scheduled:  %s\n", s.ScheduledStart)
	}
	if s.CanceledAt != "" {
		fmt.Fprintf(out, "Canceled:   %s\n", s.CanceledAt)
	}

	if len(item.RetrievalLocations) > 0 {
		rows := make([][]string, 0, len(item.RetrievalLocations))
		for _, loc := range item.RetrievalLocations {
			rows = append(rows, []string{loc.SeriesUID, loc.RetrievalURL})
		}
		fmt.Fprintln(out, renderTable([]string{"Series", "Retrieval URL"}, rows, nil))
	}
	if len(s.OutputSeries) > 0 {
		fmt.Fprintf(out, "Results:    %s\n", strings.Join(s.OutputSeries, ", "))
	}
}

func formatPercent(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64) + "%"
}
