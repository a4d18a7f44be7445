package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/smartcharge/config"
	"github.com/kilianp07/smartcharge/core/topology"
	"github.com/kilianp07/smartcharge/infra/postgres"
	"github.com/kilianp07/smartcharge/infra/topofile"
)

var stationsCmd = &cobra.Command{
	Use:   "stations",
	Short: "List groups and stations from the configured topology source",
	RunE:  listStations,
}

func init() {
	rootCmd.AddCommand(stationsCmd)
}

func listStations(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(background(cmd), 10*time.Second)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var src topology.Source = topofile.New(cfg.Topology.File)
	if cfg.Topology.Source == "postgres" {
		pool, err := postgres.NewPool(ctx, postgres.Config{DSN: cfg.Topology.DSN})
		if err != nil {
			return err
		}
		defer pool.Close()
		src = postgres.NewSource(pool)
	}
	snap, err := src.Load(ctx)
	if err != nil {
		return err
	}
	return printStations(cmd.OutOrStdout(), snap)
}

func printStations(w io.Writer, snap topology.Snapshot) error {
	groups := make(map[string]string, len(snap.Groups))
	for _, g := range snap.Groups {
		groups[g.ID] = fmt.Sprintf("%s (%.1f kW, %s)", g.ID, g.MaxPowerKW, g.Strategy)
	}
	stations := append(snap.Stations[:0:0], snap.Stations...)
	sort.Slice(stations, func(i, j int) bool {
		if stations[i].GroupID != stations[j].GroupID {
			return stations[i].GroupID < stations[j].GroupID
		}
		return stations[i].ID < stations[j].ID
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATION\tGROUP\tMAX KW\tPRIORITY\tENABLED\tSMART")
	for _, s := range stations {
		group := "-"
		if s.GroupID != "" {
			group = groups[s.GroupID]
			if group == "" {
				group = s.GroupID + " (unknown)"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%d\t%t\t%t\n", s.ID, group, s.MaxPowerKW, s.PriorityLevel, s.Enabled, s.SmartChargingEnabled)
	}
	fmt.Fprintf(tw, "\n%d groups, %d stations, %d profiles\n", len(snap.Groups), len(snap.Stations), len(snap.Profiles))
	return tw.Flush()
}
