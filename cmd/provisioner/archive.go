package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/flant/negentropy/provisioning/archive"
	"github.com/flant/negentropy/provisioning/model"
)

func archiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect provisioning archive",
	}
	cmd.AddCommand(archiveQueryCommand())
	return cmd
}

func archiveQueryCommand() *cobra.Command {
	var (
		filter     archive.Filter
		opType     string
		states     []string
		from, till string
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print archived operations as json lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			filter.OperationType = model.OperationType(opType)
			for _, s := range states {
				filter.States = append(filter.States, model.OperationState(s))
			}
			if filter.From, err = parseTime(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if filter.Till, err = parseTime(till); err != nil {
				return fmt.Errorf("--till: %w", err)
			}

			store, err := archive.NewSQLiteStore(cfg.Archive.Path, hclog.NewNullLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range recs {
				if err = encoder.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&filter.EntityUUID, "entity", "", "entity uuid")
	flags.StringVar(&filter.SystemUUID, "system", "", "system uuid")
	flags.StringVar(&filter.UID, "uid", "", "account uid")
	flags.StringVar(&filter.BatchUUID, "batch", "", "batch uuid")
	flags.StringVar(&opType, "type", "", "operation type: CREATE, UPDATE or DELETE")
	flags.StringSliceVar(&states, "state", nil, "final states, repeatable")
	flags.StringVar(&from, "from", "", "RFC3339 lower bound of archived_at")
	flags.StringVar(&till, "till", "", "RFC3339 upper bound of archived_at")
	flags.IntVar(&filter.Limit, "limit", 0, "max records, zero is unlimited")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
