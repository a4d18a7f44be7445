package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"github.com/kilianp07/smartcharge/config"
	"github.com/kilianp07/smartcharge/infra/logger"
	"github.com/kilianp07/smartcharge/infra/mqtt"
	"github.com/kilianp07/smartcharge/infra/topofile"
	"github.com/kilianp07/smartcharge/simulator"
)

var simulateOpts struct {
	topology string
	duration time.Duration
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated stations from a topology file",
	RunE:  simulate,
}

func init() {
	simulateCmd.Flags().StringVarP(&simulateOpts.topology, "topology", "t", "", "topology file (defaults to topology.file)")
	simulateCmd.Flags().DurationVarP(&simulateOpts.duration, "duration", "d", 0, "stop after this long; 0 runs until interrupted")
	rootCmd.AddCommand(simulateCmd)
}

func simulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(background(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if simulateOpts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, simulateOpts.duration)
		defer cancel()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	path := simulateOpts.topology
	if path == "" {
		path = cfg.Topology.File
	}
	doc, err := topofile.New(path).Document(ctx)
	if err != nil {
		return err
	}

	mcfg := cfg.MQTT
	mcfg.Broker = cfg.Simulator.Broker
	mcfg.ClientID = fmt.Sprintf("smartcharge-sim-%d", time.Now().UnixNano())
	mcfg.LWTTopic = ""
	opts, err := mqtt.NewClientOptions(mcfg)
	if err != nil {
		return err
	}
	client := paho.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", mcfg.Broker, tok.Error())
	}
	defer client.Disconnect(250)

	log := logger.New("simulator")
	fleet := simulator.NewFleet(client, cfg.Simulator.Strategy(), log)
	if err := fleet.Seed(doc); err != nil {
		return err
	}
	if err := fleet.Start(); err != nil {
		return err
	}
	log.Infof("simulating %d stations, %d sessions", len(fleet.IDs()), len(doc.Sessions))
	return fleet.Run(ctx, cfg.Simulator.MeterInterval)
}
