package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/bouthilx/protopt/internal/audit"
	"github.com/bouthilx/protopt/internal/claim"
	"github.com/bouthilx/protopt/internal/config"
	"github.com/bouthilx/protopt/internal/connectors/localexec"
	"github.com/bouthilx/protopt/internal/env"
	"github.com/bouthilx/protopt/internal/experiment"
	"github.com/bouthilx/protopt/internal/logger"
	"github.com/bouthilx/protopt/internal/sampler"
	"github.com/bouthilx/protopt/internal/space"
	"github.com/bouthilx/protopt/internal/store"
	"github.com/bouthilx/protopt/internal/store/mongostore"
	"github.com/bouthilx/protopt/internal/trial"
	"github.com/spf13/cobra"
)

// database is a trial store the monitor can ping.
type database interface {
	store.TrialStore
	Ping(ctx context.Context) error
}

// app holds the components one command works with.
type app struct {
	cfg    *config.Config
	ctx    context.Context
	logger *slog.Logger
	env    env.Context
	db     database
	space  *space.Space
	exp    *experiment.Experiment
	seed   int64
}

func openDatabase(ctx context.Context, cfg *config.Config) (database, error) {
	if cfg.Database.Backend == "mongo" {
		return mongostore.Connect(ctx, cfg.MongoOptions())
	}
	return store.New(cfg.Database.Path)
}

// newApp loads the configuration and wires the experiment of cmd.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	e := env.Detect(cfg.Worker.Cluster, cfg.Worker.DataPath)
	ctx := logger.WithWorkerID(cmd.Context(), e.WorkerID)
	log := logger.FromContext(ctx, logger.New(cmd.ErrOrStderr(), cfg.Log.Verbosity, cfg.Log.Format))
	slog.SetDefault(log)

	sp, err := space.Load(cfg.Experiment.SpaceFile,
		space.WithModel(cfg.Experiment.Model),
		space.WithProfiles(cfg.Experiment.Profiles...))
	if err != nil {
		return nil, err
	}
	defaults, err := sp.Default()
	if err != nil {
		return nil, fmt.Errorf("default configuration: %w", err)
	}
	if defaults.SavePath == "" {
		defaults.SavePath = cfg.Experiment.DirPath
	}
	target, err := experiment.ParseTarget(cfg.Experiment.ValidateOn)
	if err != nil {
		return nil, err
	}
	smpOpts, err := cfg.SamplerOptions()
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	workDir := cfg.Worker.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	pdr := audit.NewPDRWriter(db)
	deps := &trial.Deps{
		Store:  db,
		Claims: claim.New(db, e, pdr, log),
		Launcher: localexec.New(workDir,
			localexec.WithAllowedDirs(cfg.Worker.AllowedDirs...),
			localexec.WithGracePeriod(cfg.Worker.GracePeriod),
			localexec.WithDevice(cfg.Worker.GPUID),
			localexec.WithStdout(cmd.OutOrStdout()),
			localexec.WithLogger(log)),
		Env:    e,
		Paths:  trial.Paths{Defaults: defaults, Profiles: sp.Profiles()},
		PDR:    pdr,
		Logger: log,
	}

	seed := cfg.Sampler.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	exp := experiment.New(experiment.Options{
		Name:             cfg.Experiment.Name,
		Target:           target,
		Maximize:         cfg.Maximize(),
		DefaultObjective: cfg.Experiment.DefaultObjective,
		PoolSize:         cfg.Experiment.PoolSize,
	}, deps, sp, sampler.New(sp, smpOpts, rng, log), rng, log)

	log.Debug("experiment ready",
		"experiment", cfg.Experiment.Name,
		"backend", cfg.Database.Backend,
		"target", target.String(),
		"profiles", sp.Profiles())

	return &app{
		cfg:    cfg,
		ctx:    ctx,
		logger: log,
		env:    e,
		db:     db,
		space:  sp,
		exp:    exp,
		seed:   seed,
	}, nil
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}
