package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"upsrouter/internal/api"
)

// newSubmitCommand hands a study to a remote router and subscribes this
// node, so the router pushes progress back to our own UPS-RS endpoint.
func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		router     string
		subscriber string
		req        api.CreateWorkitemRequest
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a study to a remote router and subscribe this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(router) == "" {
				return fmt.Errorf("--router is required")
			}
			if strings.TrimSpace(req.WADORSBase) == "" {
				req.WADORSBase = cfg.DICOMweb.DefaultBase
			}
			if strings.TrimSpace(subscriber) == "" {
				subscriber = strings.TrimSpace(cfg.Server.PublicURL)
			}

			client, err := ctx.clientFor(router)
			if err != nil {
				return err
			}
			item, err := client.Submit(cmd.Context(), req, subscriber)
			if item == nil {
				return wrapClientError(err, "submit study")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Submitted workitem %s to %s\n", item.UID, router)
			if err != nil {
				return wrapClientError(err, "subscribe this node")
			}
			if subscriber == "" {
				fmt.Fprintln(out, "No subscriber URL; set server.public_url or pass --subscriber to receive updates")
				return nil
			}
			fmt.Fprintf(out, "Updates will be pushed to %s\n", subscriber)
			return nil
		},
	}
	cmd.Flags().StringVar(&router, "router", "", "Remote router address")
	cmd.Flags().StringVar(&subscriber, "subscriber", "", "Subscriber URL for this node (defaults to server.public_url)")
	cmd.Flags().StringVar(&req.StudyUID, "study", "", "Study Instance UID")
	cmd.Flags().StringSliceVar(&req.SeriesUIDs, "series", nil, "Series Instance UIDs (repeat or comma separate)")
	cmd.Flags().StringVar(&req.WADORSBase, "base", "", "WADO-RS base the router retrieves from (defaults to dicomweb.default_base)")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "LOW, MEDIUM or HIGH")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}
