package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/argus-triage/argus/pkg/domain"
	"github.com/argus-triage/argus/pkg/erebus"
)

func (a *app) reportCmd() *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Manage archived reports",
	}

	var output string
	var withLogs bool
	getCmd := &cobra.Command{
		Use:   "get [unit]",
		Short: "Show an archived report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			archive, err := a.archive(cmd)
			if err != nil {
				return err
			}
			unit := domain.UnitName(args[0])

			report, err := archive.Load(cmd.Context(), unit)
			if errors.Is(err, erebus.ErrNotFound) {
				return fmt.Errorf("no report for %s", unit)
			}
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), report, output); err != nil {
				return err
			}

			if withLogs {
				logs, err := archive.Logs(cmd.Context(), unit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "--- logs ---\n%s", logs)
			}
			return nil
		},
	}
	getCmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json, yaml")
	getCmd.Flags().BoolVar(&withLogs, "logs", false, "Also print the archived unit logs")

	deleteCmd := &cobra.Command{
		Use:   "delete [unit]",
		Short: "Delete an archived report and its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := a.archive(cmd)
			if err != nil {
				return err
			}
			unit := domain.UnitName(args[0])
			err = archive.Delete(cmd.Context(), unit)
			if errors.Is(err, erebus.ErrNotFound) {
				return fmt.Errorf("no report for %s", unit)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Report %s deleted\n", unit)
			return nil
		},
	}

	reportCmd.PersistentFlags().String("report-dir", "", "Report archive directory")

	reportCmd.AddCommand(getCmd, deleteCmd)
	return reportCmd
}

func (a *app) archive(cmd *cobra.Command) (*erebus.Archive, error) {
	a.bind(cmd.Flags(), map[string]string{"report.dir": "report-dir"})
	cfg, err := a.load()
	if err != nil {
		return nil, err
	}
	archive, err := newArchive(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	if archive == nil {
		return nil, errors.New("report archiving is not configured (set report.dir or report.s3.bucket)")
	}
	return archive, nil
}
