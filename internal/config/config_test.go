package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bouthilx/protopt/internal/sampler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	file := filepath.Join(t.TempDir(), "protopt.yaml")
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))
	v, err := NewViper(file)
	require.NoError(t, err)
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t, "experiment:\n  model: resnet18\n")
	require.NoError(t, err)

	assert.Equal(t, "protopt_resnet18", cfg.Experiment.Name)
	wd, _ := os.Getwd()
	assert.Equal(t, filepath.Join(wd, "protopt_resnet18"), cfg.Experiment.DirPath)
	assert.Equal(t, "validation_accuracy", cfg.Experiment.ValidateOn)
	assert.True(t, cfg.Maximize())
	assert.Equal(t, 10, cfg.Experiment.PoolSize)

	assert.Equal(t, "sqlite", cfg.Database.Backend)
	assert.Equal(t, []string{"localhost"}, cfg.Database.Hosts)
	assert.Equal(t, []int{27017}, cfg.Database.Ports)
	assert.Equal(t, 15*time.Second, cfg.Database.Timeout)

	assert.Equal(t, 10, cfg.Worker.Resilience)
	assert.Equal(t, 5, cfg.Worker.MaxSkip)
	assert.Equal(t, 5, cfg.Worker.Patience)
	assert.Equal(t, time.Second, cfg.Worker.ClaimInterval)
	assert.Equal(t, "127.0.0.1:7466", cfg.Monitor.Addr)
	assert.Equal(t, "auto", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PROTOPT_WORKER_RESILIENCE", "3")
	t.Setenv("PROTOPT_DATABASE_BACKEND", "mongo")

	cfg, err := load(t, "experiment:\n  name: cifar\nworker:\n  resilience: 7\n")
	require.NoError(t, err)
	assert.Equal(t, "cifar", cfg.Experiment.Name)
	assert.Equal(t, 3, cfg.Worker.Resilience)
	assert.Equal(t, "mongo", cfg.Database.Backend)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"goal", "experiment:\n  goal: best\n"},
		{"pool size", "experiment:\n  pool_size: 0\n"},
		{"strategy", "experiment:\n  strategy: cl_median\n"},
		{"backend", "database:\n  backend: postgres\n"},
		{"port", "database:\n  ports: [0]\n"},
		{"ports per host", "database:\n  backend: mongo\n  hosts: [a, b, c]\n  ports: [1, 2]\n"},
		{"password without user", "database:\n  password: secret\n"},
		{"resilience", "worker:\n  resilience: 0\n"},
		{"acquisition", "sampler:\n  acquisition: UCB\n"},
		{"random fraction", "sampler:\n  random_fraction: 1.5\n"},
		{"log format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.yaml)
			assert.Error(t, err)
		})
	}
}

func TestNewViper_MissingExplicitFile(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConverters(t *testing.T) {
	cfg, err := load(t, `
experiment:
  name: cifar
  strategy: cl_min
sampler:
  acquisition: EI
  length_scale: 0.3
database:
  backend: mongo
  hosts: [db1, db2]
  ports: [27017, 27018]
  user: bob
  password: pw
  replica_set: rs0
worker:
  resilience: 4
  max_trials: 2
  claim_interval: 0s
`)
	require.NoError(t, err)

	opts, err := cfg.SamplerOptions()
	require.NoError(t, err)
	assert.Equal(t, sampler.CLMin, opts.Strategy)
	assert.Equal(t, 0.3, opts.GP.LengthScale)
	assert.NotNil(t, opts.Acquisition)

	wc := cfg.WorkerConfig()
	assert.Equal(t, 4, wc.Resilience)
	assert.Equal(t, 2, wc.MaxTrials)
	assert.Zero(t, wc.ClaimInterval)

	mo := cfg.MongoOptions()
	assert.Equal(t, []string{"db1", "db2"}, mo.Hosts)
	assert.Equal(t, "protopt", mo.Database)
	assert.Equal(t, "trials", mo.Collection)
	assert.Equal(t, "rs0", mo.ReplicaSet)
}
