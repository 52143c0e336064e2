package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jfoltran/rlogreplicant/internal/api"
	"github.com/jfoltran/rlogreplicant/internal/applier"
	"github.com/jfoltran/rlogreplicant/internal/config"
	"github.com/jfoltran/rlogreplicant/internal/readroute"
	"github.com/jfoltran/rlogreplicant/internal/replica"
	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/internal/spillqueue"
	"github.com/jfoltran/rlogreplicant/internal/status"
	"github.com/jfoltran/rlogreplicant/internal/store"
	"github.com/jfoltran/rlogreplicant/internal/supervisor"
	"github.com/jfoltran/rlogreplicant/internal/tui"
)

const bootstrapWorkers = 4

var runTUI bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the replicant daemon",
	Long: `Run opens the local table store, attaches a replica actor per
configured shard, and serves the status API (and optionally the terminal
dashboard) until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runDaemon(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "also attach the terminal dashboard to this process")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(parentCtx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	db, err := store.Open(ctx, cfg.Store.DSN(), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	routes := readroute.NewTable()
	registry := status.NewRegistry(logger)
	batchApplier := applier.New(db.Pool, logger)
	connector := replica.NewConnector(logger)
	schemaConverger := replica.NewSchemaConverger(db, logger)
	spillOpener := replica.NewSpillOpener(spillqueue.Options{MemOnly: cfg.Spill.MemOnly, Dir: cfg.Spill.Dir, Forward: cfg.Spill.Options}, logger)
	sup := supervisor.New(checkpointDir(), cfg.ReconnectInterval, logger)

	var wg sync.WaitGroup
	for _, sc := range cfg.Shards {
		shardCfg := sc
		shard := rlogtypes.Shard(shardCfg.Name)
		replicaCfg := replica.Config{
			Shard:             shard,
			CoreAddrs:         shardCfg.CoreAddrs,
			OriginID:          shardCfg.OriginID,
			ReconnectInterval: cfg.ReconnectInterval,
		}
		bootstrapAddr := shardCfg.CoreAddrs[0]
		bootstrapper := replica.NewBootstrapper(bootstrapAddr, db, bootstrapWorkers, logger)

		factory := func(checkpoint rlogtypes.Checkpoint) supervisor.Actor {
			return replica.New(replicaCfg, checkpoint, connector, bootstrapper, batchApplier, schemaConverger, spillOpener, db, routes, registry, logger)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.RunShard(ctx, shard, factory); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str("shard", string(shard)).Msg("shard supervisor exited")
			}
		}()
	}

	apiSrv := api.New(registry, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiSrv.Start(ctx, api.Addr(cfg.API.Listen, cfg.API.Port)); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("status api server exited")
		}
	}()

	if runTUI {
		err := tui.Run(registry)
		cancel()
		wg.Wait()
		return err
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func checkpointDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".rlogreplicant", "checkpoints")
	}
	return filepath.Join(os.TempDir(), "rlogreplicant", "checkpoints")
}
