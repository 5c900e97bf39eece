package config

import (
	"github.com/bouthilx/protopt/internal/sampler"
	"github.com/bouthilx/protopt/internal/store/mongostore"
	"github.com/bouthilx/protopt/internal/worker"
)

// Maximize reports whether the target metric is maximized.
func (c *Config) Maximize() bool {
	return c.Experiment.Goal == "maximize"
}

// SamplerOptions builds the sampler options.
func (c *Config) SamplerOptions() (sampler.Options, error) {
	s := c.Sampler
	acq, err := sampler.ParseAcquisition(s.Acquisition, s.Kappa, s.Xi)
	if err != nil {
		return sampler.Options{}, err
	}
	strategy, err := sampler.ParseStrategy(c.Experiment.Strategy)
	if err != nil {
		return sampler.Options{}, err
	}
	return sampler.Options{
		RandomFraction: s.RandomFraction,
		Oversample:     s.Oversample,
		MaxDepth:       s.MaxDepth,
		InitialPoints:  s.InitialPoints,
		Candidates:     s.Candidates,
		MaxFitTries:    s.MaxFitTries,
		MaxRejected:    s.MaxRejected,
		Strategy:       strategy,
		Acquisition:    acq,
		GP: sampler.GPParams{
			LengthScale: s.LengthScale,
			Alpha:       s.Alpha,
			Normalize:   true,
		},
	}, nil
}

// WorkerConfig builds the worker loop configuration.
func (c *Config) WorkerConfig() *worker.Config {
	return &worker.Config{
		Resilience:    c.Worker.Resilience,
		MaxSkip:       c.Worker.MaxSkip,
		Patience:      c.Worker.Patience,
		ClaimInterval: c.Worker.ClaimInterval,
		MaxTrials:     c.Worker.MaxTrials,
	}
}

// MongoOptions builds the connection options of the mongo backend.
func (c *Config) MongoOptions() mongostore.Options {
	db := c.Database
	return mongostore.Options{
		Hosts:      db.Hosts,
		Ports:      db.Ports,
		User:       db.User,
		Password:   db.Password,
		Database:   db.Name,
		Collection: db.Collection,
		SSL:        db.SSL,
		SSLCAFile:  db.SSLCAFile,
		ReplicaSet: db.ReplicaSet,
		AuthSource: db.AuthSource,
		Timeout:    db.Timeout,
	}
}
