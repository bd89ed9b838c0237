package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"raildispatch/backend/driver"
	"raildispatch/backend/server"
	"raildispatch/backend/sim"
)

var rootCmd = &cobra.Command{
	Use:   "raildispatch",
	Short: "Discrete-time railway dispatch simulator with a hold-plan optimizer",
}

var (
	serveAddr       string
	serveConfigPath string
	serveTickSleep  float64
	serveSeed       int64
	serveReport     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live simulation transport (REST + WebSocket)",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := server.DefaultConfig()
		if serveConfigPath != "" {
			loaded, err := server.LoadConfig(serveConfigPath)
			if err != nil {
				logrus.Fatalf("config: %v", err)
			}
			cfg = loaded
		}
		if cmd.Flags().Changed("addr") {
			cfg.Addr = serveAddr
		}
		if cmd.Flags().Changed("tick_sleep") {
			cfg.TickSleepSec = serveTickSleep
		}
		if cmd.Flags().Changed("seed") {
			cfg.Seed = serveSeed
		}
		if cmd.Flags().Changed("report") {
			cfg.ReportPath = serveReport
		}

		engine := sim.NewEngine(sim.DemoTopologySource, cfg.Seed)
		srv := server.New(engine, cfg)
		if err := srv.ListenAndServe(); err != nil {
			logrus.Fatalf("serve: %v", err)
		}
	},
}

var (
	batchSeed     int64
	batchTrials   int
	batchReport   string
	batchMaxTicks int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one live simulation to completion, then a paired A/B evaluation",
	Run: func(cmd *cobra.Command, args []string) {
		engine := sim.NewEngine(sim.DemoTopologySource, batchSeed)
		if err := engine.Reset(); err != nil {
			logrus.Fatalf("reset: %v", err)
		}
		if err := engine.Start(); err != nil {
			logrus.Fatalf("start: %v", err)
		}
		maxTicks := batchMaxTicks
		if maxTicks <= 0 {
			maxTicks = driver.DefaultMaxTicks
		}
		for ticks := 0; !engine.Completed() && ticks < maxTicks; ticks++ {
			engine.Step()
		}
		if !engine.Completed() {
			logrus.Fatalf("live run did not complete within %d ticks", maxTicks)
		}

		resp, err := driver.RerunOptimized(engine, driver.Options{
			Source:   sim.DemoTopologySource,
			MaxTicks: maxTicks,
		}, batchSeed, batchTrials)
		if err != nil {
			logrus.Fatalf("rerun: %v", err)
		}
		driver.PrintConsoleReport(resp)
		if batchReport != "" {
			if _, err := driver.WriteCSVReport(batchReport, resp); err != nil {
				logrus.Errorf("report: create failed: %v", err)
			}
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8000", "listen address")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "optional YAML config file")
	serveCmd.Flags().Float64Var(&serveTickSleep, "tick_sleep", 0.5, "real seconds between ticks")
	serveCmd.Flags().Int64Var(&serveSeed, "seed", 42, "engine RNG seed")
	serveCmd.Flags().StringVar(&serveReport, "report", "", "if set, write CSV A/B reports to this file or directory")
	rootCmd.AddCommand(serveCmd)

	batchCmd.Flags().Int64Var(&batchSeed, "seed", 42, "base seed for the live run and paired trials")
	batchCmd.Flags().IntVar(&batchTrials, "trials", 3, "number of paired A/B trials")
	batchCmd.Flags().StringVar(&batchReport, "report", "", "if set, write a CSV report to this file or directory (timestamp appended)")
	batchCmd.Flags().IntVar(&batchMaxTicks, "max_ticks", driver.DefaultMaxTicks, "tick cap per run")
	rootCmd.AddCommand(batchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
