package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/smartcharge/config"
	"github.com/kilianp07/smartcharge/core/dispatch"
	"github.com/kilianp07/smartcharge/infra/audit"
	"github.com/kilianp07/smartcharge/pkg/export"
)

var commandsOpts struct {
	station string
	status  string
	since   time.Duration
	limit   int
	format  string
}

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Export the power-limit command audit log",
	RunE:  exportCommands,
}

func init() {
	f := commandsCmd.Flags()
	f.StringVar(&commandsOpts.station, "station", "", "only this station")
	f.StringVar(&commandsOpts.status, "status", "", "only this status, e.g. TIMED_OUT")
	f.DurationVar(&commandsOpts.since, "since", 0, "only records newer than this")
	f.IntVar(&commandsOpts.limit, "limit", 0, "newest N records; 0 for all")
	f.StringVarP(&commandsOpts.format, "format", "f", "csv", "csv or json")
	rootCmd.AddCommand(commandsCmd)
}

func exportCommands(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := audit.NewStore(cfg.Audit)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("audit log disabled in configuration")
	}
	defer func() { _ = store.Close() }()

	q := dispatch.AuditQuery{StationID: commandsOpts.station, Status: strings.ToUpper(commandsOpts.status), Limit: commandsOpts.limit}
	if commandsOpts.since > 0 {
		q.Start = time.Now().Add(-commandsOpts.since)
	}
	records, err := store.Query(background(cmd), q)
	if err != nil {
		return err
	}
	switch strings.ToLower(commandsOpts.format) {
	case "json":
		return export.WriteJSON(cmd.OutOrStdout(), records)
	case "csv":
		return export.WriteCSV(cmd.OutOrStdout(), records)
	}
	return fmt.Errorf("unknown format %q", commandsOpts.format)
}
