// kvwal formats, inspects and serves a key-value write-ahead log device.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/colorfulnotion/kvwal/device"
	"github.com/colorfulnotion/kvwal/log"
	"github.com/colorfulnotion/kvwal/storage"
	"github.com/colorfulnotion/kvwal/target"
	"github.com/colorfulnotion/kvwal/telemetry"
	"github.com/colorfulnotion/kvwal/wal"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type globalFlags struct {
	logLevel      string
	logModules    string
	config        string
	devicePath    string
	storePath     string
	syncStore     bool
	traceEndpoint string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "kvwal",
		Short:         "Key-value write-ahead log engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.InitLogger(g.logLevel)
			if g.logModules != "" {
				log.EnableModules(g.logModules)
			}
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&g.logModules, "log-modules", "", "Comma separated log modules to enable")
	pf.StringVarP(&g.config, "config", "c", "", "YAML engine options file")
	pf.StringVarP(&g.devicePath, "device", "d", "kvwal.dev", "WAL device file")
	pf.StringVar(&g.storePath, "store", "", "LevelDB backing store directory (empty keeps it in memory)")
	pf.BoolVar(&g.syncStore, "sync-store", false, "Sync every backing store batch")
	pf.StringVar(&g.traceEndpoint, "trace-endpoint", "", "OTLP/HTTP trace collector (host:port)")

	rootCmd.AddCommand(
		newFormatCmd(g),
		newInspectCmd(g),
		newBenchCmd(g),
		newShellCmd(g),
		newServeCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "kvwal %s (commit %s, built %s)\n", Version, Commit, BuildTime)
			},
		},
	)
	return rootCmd
}

func (g *globalFlags) options() (wal.Options, error) {
	if g.config == "" {
		o := wal.DefaultOptions()
		return o, o.Validate()
	}
	return wal.LoadOptions(g.config)
}

// session is an opened engine with its target and backing store.
type session struct {
	dev           device.Device
	store         *storage.PersistenceStore
	engine        *wal.Engine
	target        *target.Target
	stopTracing   telemetry.ShutdownFunc
	cancelPollers context.CancelFunc
}

func (g *globalFlags) open(ctx context.Context) (*session, error) {
	opts, err := g.options()
	if err != nil {
		return nil, err
	}
	stop, err := telemetry.InitTracer(ctx, g.traceEndpoint, "kvwal")
	if err != nil {
		return nil, err
	}
	s := &session{stopTracing: stop}
	if s.dev, err = openDevice(g.devicePath); err != nil {
		s.Close()
		return nil, err
	}
	if s.store, err = storage.NewPersistenceStore(g.storePath, g.syncStore); err != nil {
		s.Close()
		return nil, err
	}
	if s.engine, err = wal.Open(s.dev, s.store, opts); err != nil {
		s.Close()
		return nil, err
	}
	for _, rep := range s.engine.RecoveryReports() {
		log.Info(log.RecoveryMonitoring, "zone ready", "zone", rep.Zone, "log_records", rep.LogRecords,
			"flush_records", rep.FlushRecords, "flush_pending", rep.FlushPending, "elapsed", rep.Elapsed)
	}
	if s.target, err = target.New(s.engine, s.store, target.DefaultConfig()); err != nil {
		s.Close()
		return nil, err
	}
	pctx, cancel := context.WithCancel(context.Background())
	s.cancelPollers = cancel
	s.target.Start(pctx)
	return s, nil
}

// Close stops the pollers, then the engine, then the store and device.
func (s *session) Close() error {
	var errs []error
	if s.target != nil {
		s.target.Stop()
		s.cancelPollers()
	}
	if s.engine != nil {
		errs = append(errs, s.engine.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.dev != nil {
		errs = append(errs, s.dev.Close())
	}
	if s.stopTracing != nil {
		errs = append(errs, s.stopTracing(context.Background()))
	}
	return errors.Join(errs...)
}
