package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/olympum/oarsman-bridge/internal/config"
	"github.com/olympum/oarsman-bridge/internal/control"
	"github.com/olympum/oarsman-bridge/internal/source"
	"github.com/olympum/oarsman-bridge/internal/store"
	"github.com/olympum/oarsman-bridge/internal/workout"
)

var (
	cfgFile string
	debug   bool

	cfg     *config.Config
	facade  *source.Facade
	db      *store.Store
	manager *workout.Manager
	svc     *control.Service
)

var rootCmd = &cobra.Command{
	Use:   "oarsman-bridge",
	Short: "Bridge a BLE fitness machine to a local workout archive",
	Long: `
oarsman-bridge scans for Bluetooth LE fitness equipment exposing the
Fitness Machine Service, records a workout's telemetry to a local
archive, and exports completed workouts as Garmin FIT activity files.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initializeConfig()
	},
}

// Execute runs the root command; called once from cmd/oarsman-bridge/main.go.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: defaults + OARSMAN_ env vars)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// initializeConfig loads config, sets up jww logging, and wires the
// façade/store/manager/service graph, following the teacher's
// InitializeConfig-before-Run pattern in its workout command.
func initializeConfig() error {
	if debug {
		jww.SetStdoutThreshold(jww.LevelTrace)
	} else {
		jww.SetStdoutThreshold(jww.LevelInfo)
	}

	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	loaded.Debug = loaded.Debug || debug
	cfg = loaded

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	dbPath := cfg.DataDir + string(os.PathSeparator) + "oarsman.db"
	st, err := store.Open(context.Background(), dbPath)
	if err != nil {
		return err
	}
	db = st

	facade = source.New(time.Duration(cfg.ScanDurationS) * time.Second)
	manager = workout.New(facade, db, cfg.UserWeightKg, cfg.UserAge, cfg.HRMaxOverridePtr(), cfg.HRRestOverridePtr())
	svc = control.New(facade, manager, db)

	jww.INFO.Printf("oarsman-bridge ready (data_dir=%s, simulator_enabled=%t)\n", cfg.DataDir, cfg.SimulatorEnabled)
	return nil
}
