package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/vigil-xy/vigil/internal/service"
	"github.com/vigil-xy/vigil/internal/store"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run scans as configured in service section and deliver the results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd, "run")

		pipeline, err := service.NewPipeline(ctx, config, version())
		if err != nil {
			return err
		}
		supervisor, err := service.NewSupervisor(ctx, config.Service, pipeline)
		if err != nil {
			return err
		}
		return supervisor.Do(ctx)
	},
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "list scans recorded in service.history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd, "history")
			if config.Service.History == "" {
				return fmt.Errorf("service.history is not configured in %s", configPath)
			}
			if _, err := os.Stat(config.Service.History); err != nil {
				return fmt.Errorf("opening history: %w", err)
			}
			s, err := store.Open(ctx, config.Service.History)
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()
			scans, err := s.List(ctx, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTIMESTAMP\tHOST\tRISK\tISSUES\tSIGNED")
			for _, s := range scans {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\n",
					s.ID, s.Timestamp.Format("2006-01-02 15:04:05Z"), s.Hostname, s.RiskLevel, s.TotalIssues, s.Signed)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of scans to list, 0 lists all")
	return cmd
}
