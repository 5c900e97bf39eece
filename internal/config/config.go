// Package config loads the typed protopt configuration from a YAML file,
// PROTOPT_* environment variables and command-line flags, and validates it
// once at the boundary.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, with dots replaced by
// underscores: PROTOPT_DATABASE_BACKEND sets database.backend.
const EnvPrefix = "PROTOPT"

// Config is the full configuration of a protopt process.
type Config struct {
	Experiment ExperimentConfig `mapstructure:"experiment"`
	Sampler    SamplerConfig    `mapstructure:"sampler"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Log        LogConfig        `mapstructure:"log"`
}

// ExperimentConfig selects the experiment and how trials are scored.
type ExperimentConfig struct {
	Name      string   `mapstructure:"name" validate:"required"`
	Model     string   `mapstructure:"model"`
	SpaceFile string   `mapstructure:"space_file" validate:"required"`
	DirPath   string   `mapstructure:"dir_path" validate:"required"`
	Profiles  []string `mapstructure:"profiles"`
	// ValidateOn is metric[.unit[.step]].
	ValidateOn       string  `mapstructure:"validate_on" validate:"required"`
	Goal             string  `mapstructure:"goal" validate:"oneof=minimize maximize"`
	DefaultObjective float64 `mapstructure:"default_objective"`
	PoolSize         int     `mapstructure:"pool_size" validate:"min=1"`
	Strategy         string  `mapstructure:"strategy" validate:"oneof=cl_min cl_mean cl_max"`
}

// SamplerConfig tunes candidate proposal.
type SamplerConfig struct {
	RandomFraction float64 `mapstructure:"random_fraction" validate:"gte=0,lte=1"`
	Oversample     int     `mapstructure:"oversample" validate:"min=1"`
	MaxDepth       int     `mapstructure:"max_depth" validate:"min=1"`
	MaxFitTries    int     `mapstructure:"max_fit_tries" validate:"min=1"`
	MaxRejected    int     `mapstructure:"max_rejected" validate:"min=1"`
	InitialPoints  int     `mapstructure:"initial_points" validate:"min=0"`
	Candidates     int     `mapstructure:"candidates" validate:"min=1"`
	Acquisition    string  `mapstructure:"acquisition" validate:"oneof=LCB EI PI TS"`
	Xi             float64 `mapstructure:"xi" validate:"gte=0"`
	Kappa          float64 `mapstructure:"kappa" validate:"gte=0"`
	LengthScale    float64 `mapstructure:"length_scale" validate:"gt=0"`
	Alpha          float64 `mapstructure:"alpha" validate:"gte=0"`
	Seed           int64   `mapstructure:"seed"`
}

// DatabaseConfig selects and reaches the trial store.
type DatabaseConfig struct {
	Backend    string        `mapstructure:"backend" validate:"oneof=sqlite mongo"`
	Path       string        `mapstructure:"path"`
	Name       string        `mapstructure:"name"`
	Collection string        `mapstructure:"collection"`
	Hosts      []string      `mapstructure:"hosts"`
	Ports      []int         `mapstructure:"ports" validate:"dive,min=1,max=65535"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	SSL        bool          `mapstructure:"ssl"`
	SSLCAFile  string        `mapstructure:"ssl_ca_file"`
	ReplicaSet string        `mapstructure:"replica_set"`
	AuthSource string        `mapstructure:"auth_source"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// WorkerConfig tunes the worker loop and the training launcher.
type WorkerConfig struct {
	Resilience    int           `mapstructure:"resilience" validate:"min=1"`
	MaxSkip       int           `mapstructure:"max_skip" validate:"min=1"`
	Patience      int           `mapstructure:"patience" validate:"min=0"`
	MaxTrials     int           `mapstructure:"max_trials" validate:"min=0"`
	ClaimInterval time.Duration `mapstructure:"claim_interval" validate:"gte=0"`
	GracePeriod   time.Duration `mapstructure:"grace_period" validate:"gte=0"`
	GPUID         int           `mapstructure:"gpu_id" validate:"min=0"`
	Cluster       string        `mapstructure:"cluster"`
	DataPath      string        `mapstructure:"data_path"`
	WorkDir       string        `mapstructure:"work_dir"`
	AllowedDirs   []string      `mapstructure:"allowed_dirs"`
}

// MonitorConfig configures the status server.
type MonitorConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig configures span export. Tracing is off without an endpoint.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Verbosity int    `mapstructure:"verbosity" validate:"min=0"`
	Format    string `mapstructure:"format" validate:"oneof=auto text json"`
}

var validate = validator.New()

// SetDefaults registers the default of every key on v, which also makes
// every key reachable from the environment.
func SetDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"experiment.name":              "",
		"experiment.model":             "",
		"experiment.space_file":        "space.yaml",
		"experiment.dir_path":          "",
		"experiment.profiles":          []string{},
		"experiment.validate_on":       "validation_accuracy",
		"experiment.goal":              "maximize",
		"experiment.default_objective": 0.0,
		"experiment.pool_size":         10,
		"experiment.strategy":          "cl_max",

		"sampler.random_fraction": 0.25,
		"sampler.oversample":      10,
		"sampler.max_depth":       10,
		"sampler.max_fit_tries":   10,
		"sampler.max_rejected":    100,
		"sampler.initial_points":  10,
		"sampler.candidates":      1000,
		"sampler.acquisition":     "LCB",
		"sampler.xi":              0.01,
		"sampler.kappa":           1.96,
		"sampler.length_scale":    0.5,
		"sampler.alpha":           1e-10,
		"sampler.seed":            0,

		"database.backend":     "sqlite",
		"database.path":        "protopt.db",
		"database.name":        "protopt",
		"database.collection":  "trials",
		"database.hosts":       []string{"localhost"},
		"database.ports":       []int{27017},
		"database.user":        "",
		"database.password":    "",
		"database.ssl":         false,
		"database.ssl_ca_file": "",
		"database.replica_set": "",
		"database.auth_source": "",
		"database.timeout":     "15s",

		"worker.resilience":     10,
		"worker.max_skip":       5,
		"worker.patience":       5,
		"worker.max_trials":     0,
		"worker.claim_interval": "1s",
		"worker.grace_period":   "30s",
		"worker.gpu_id":         0,
		"worker.cluster":        "",
		"worker.data_path":      "",
		"worker.work_dir":       "",
		"worker.allowed_dirs":   []string{},

		"monitor.addr": "127.0.0.1:7466",

		"tracing.endpoint":     "",
		"tracing.service_name": "protopt",

		"log.verbosity": 0,
		"log.format":    "auto",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// NewViper returns a viper instance reading file (or $HOME/.protopt.yaml
// when file is empty) and the PROTOPT_* environment.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(".protopt")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fill derives the values whose defaults depend on other keys.
func (c *Config) fill() {
	if c.Experiment.Name == "" {
		c.Experiment.Name = "protopt"
		if c.Experiment.Model != "" {
			c.Experiment.Name += "_" + c.Experiment.Model
		}
	}
	if c.Experiment.DirPath == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Experiment.DirPath = filepath.Join(wd, c.Experiment.Name)
		}
	}
}

// Validate checks field constraints and the rules spanning several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	db := c.Database
	switch db.Backend {
	case "sqlite":
		if db.Path == "" {
			return errors.New("invalid config: database.path is required for the sqlite backend")
		}
	case "mongo":
		if len(db.Hosts) == 0 {
			return errors.New("invalid config: database.hosts is required for the mongo backend")
		}
		if len(db.Ports) > 1 && len(db.Ports) != len(db.Hosts) {
			return fmt.Errorf("invalid config: %d ports for %d hosts", len(db.Ports), len(db.Hosts))
		}
		if db.Name == "" || db.Collection == "" {
			return errors.New("invalid config: database.name and database.collection are required for the mongo backend")
		}
	}
	if db.Password != "" && db.User == "" {
		return errors.New("invalid config: database.password given without database.user")
	}
	return nil
}
