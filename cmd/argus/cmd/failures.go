package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/argus-triage/argus/pkg/cocytus"
)

func (a *app) failuresCmd() *cobra.Command {
	var limit int64
	var output string

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List recorded run failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unknown output format %q (want text or json)", output)
			}
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if cfg.DeadLetter.RedisAddr == "" {
				return errors.New("failures are only listed from redis (set deadletter.redis_addr)")
			}

			sink, err := cocytus.NewRedisSink(cmd.Context(), cfg.DeadLetter.RedisAddr, cfg.DeadLetter.RedisDB, cfg.DeadLetter.Key)
			if err != nil {
				return err
			}
			defer sink.Close()

			recs, err := sink.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tUNIT\tREASON")
			for _, rec := range recs {
				unit := string(rec.Unit)
				if unit == "" {
					unit = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.CreatedAt.Format(time.RFC3339), rec.Kind, unit, rec.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int64Var(&limit, "limit", 20, "Show at most this many of the newest records (0 for all)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json")
	return cmd
}
