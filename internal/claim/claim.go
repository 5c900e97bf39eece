// Package claim implements the compare-and-set protocol workers use to take
// exclusive ownership of a trial.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bouthilx/protopt/internal/audit"
	"github.com/bouthilx/protopt/internal/env"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "protopt_claims_total",
	Help: "Claim attempts by result",
}, []string{"result"})

var tracer = otel.Tracer("github.com/bouthilx/protopt/internal/claim")

// Reason classifies a failed claim.
type Reason string

const (
	ReasonNotFound        Reason = "not found"
	ReasonNotRunnable     Reason = "not runnable"
	ReasonClusterMismatch Reason = "cluster mismatch"
	ReasonArtifactMissing Reason = "file not available"
	ReasonSavePathInUse   Reason = "save path in use"
	ReasonUnacknowledged  Reason = "update not acknowledged"
	ReasonRace            Reason = "claimed by another worker"
	ReasonVanished        Reason = "inconsistent update"
)

// Error is a failed claim. It matches models.ErrSelection.
type Error struct {
	TrialID  string
	Reason   Reason
	Expected models.TrialStatus
	Observed models.TrialStatus
	Detail   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("cannot select trial %s: %s", e.TrialID, e.Reason)
	if e.Observed != "" && e.Observed != e.Expected {
		msg += fmt.Sprintf(" (expected %s, found %s)", e.Expected, e.Observed)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches models.ErrSelection for every reason, and the more specific
// sentinels for cluster and artifact problems.
func (e *Error) Is(target error) bool {
	switch target {
	case models.ErrSelection:
		return true
	case models.ErrArtifactMissing:
		return e.Reason == ReasonArtifactMissing
	case models.ErrClusterProblem:
		return e.Reason == ReasonClusterMismatch
	}
	return false
}

// Claim is a trial this worker now owns.
type Claim struct {
	Trial    *models.Trial
	Previous models.TrialStatus
	Resumed  bool
}

// Protocol claims trials for the worker described by its environment.
type Protocol struct {
	store  store.TrialStore
	env    env.Context
	pdr    *audit.PDRWriter
	logger *slog.Logger
	exists func(path string) bool
}

// New creates a claim protocol. pdr may be nil.
func New(s store.TrialStore, e env.Context, pdr *audit.PDRWriter, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		store:  s,
		env:    e,
		pdr:    pdr,
		logger: logger,
		exists: fileExists,
	}
}

// WithArtifactCheck replaces the save-path existence check.
func (p *Protocol) WithArtifactCheck(exists func(path string) bool) *Protocol {
	p.exists = exists
	return p
}

// SavePathFree fails with ReasonSavePathInUse when the save path of a fresh
// run of id already exists.
func (p *Protocol) SavePathFree(id, path string) error {
	if p.exists(path) {
		return &Error{TrialID: id, Reason: ReasonSavePathInUse, Detail: path}
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Claim atomically moves trial id to RUNNING. Any failure to obtain
// ownership is an *Error; store failures are returned as they are.
func (p *Protocol) Claim(ctx context.Context, id string) (*Claim, error) {
	ctx, span := tracer.Start(ctx, "claim.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("trial.id", id), attribute.String("cluster", p.env.Cluster))

	c, err := p.claim(ctx, id)
	result := "success"
	if err != nil {
		result = "error"
		if ce, ok := err.(*Error); ok {
			result = string(ce.Reason)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.record(ctx, id, audit.OutcomeFailure, err.Error())
	} else {
		p.record(ctx, id, audit.OutcomeSuccess, fmt.Sprintf("from %s, resumed=%t", c.Previous, c.Resumed))
	}
	claimsTotal.WithLabelValues(result).Inc()
	return c, err
}

func (p *Protocol) claim(ctx context.Context, id string) (*Claim, error) {
	t, err := p.store.FindOne(ctx, store.ByID(id))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, &Error{TrialID: id, Reason: ReasonNotFound}
	}

	status := t.Status
	if !status.IsRunnable() {
		return nil, &Error{TrialID: id, Reason: ReasonNotRunnable, Expected: status, Observed: status,
			Detail: fmt.Sprintf("status is %s", status)}
	}

	resumed := status.IsResumable() && t.Host != nil
	if resumed && t.Host.Cluster != "" {
		if t.Host.Cluster != p.env.Cluster {
			return nil, &Error{TrialID: id, Reason: ReasonClusterMismatch,
				Detail: fmt.Sprintf("trial ran on %q, this worker is on %q", t.Host.Cluster, p.env.Cluster)}
		}
		if !p.exists(t.Config.SavePath) {
			return nil, &Error{TrialID: id, Reason: ReasonArtifactMissing, Detail: t.Config.SavePath}
		}
	}

	res, err := p.store.CompareAndSetStatus(ctx, id, status, models.StatusRunning)
	if err != nil {
		return nil, err
	}
	if !res.Acknowledged {
		return nil, &Error{TrialID: id, Reason: ReasonUnacknowledged, Expected: status}
	}
	if res.ModifiedCount == 0 {
		cur, err := p.store.FindOne(ctx, store.ByID(id))
		if err != nil {
			return nil, err
		}
		if cur != nil && cur.Status != status {
			return nil, &Error{TrialID: id, Reason: ReasonRace, Expected: status, Observed: cur.Status}
		}
		return nil, &Error{TrialID: id, Reason: ReasonVanished, Expected: status}
	}

	if err := p.takeOwnership(ctx, t, resumed); err != nil {
		p.release(t.ID, status)
		return nil, err
	}
	t.Status = models.StatusRunning
	p.logger.Info("claimed trial", "trial_id", id, "from", status, "resumed", resumed)
	return &Claim{Trial: t, Previous: status, Resumed: resumed}, nil
}

// takeOwnership performs the writes only the owner of a RUNNING trial may do.
func (p *Protocol) takeOwnership(ctx context.Context, t *models.Trial, resumed bool) error {
	if t.Host == nil {
		host := models.Host{
			Cluster:   p.env.Cluster,
			Hostname:  p.env.Hostname,
			WorkerID:  p.env.WorkerID,
			ClaimedAt: time.Now().UTC(),
		}
		if err := p.store.SetHost(ctx, t.ID, host); err != nil {
			return err
		}
		t.Host = &host
	}

	if resumed && !t.Config.Resume {
		cfg := t.Config.Clone()
		cfg.Resume = true
		if err := p.store.UpdateConfig(ctx, t.ID, cfg); err != nil {
			return err
		}
		t.Config = cfg
	}
	return nil
}

// release hands a trial back after a failed ownership write.
func (p *Protocol) release(id string, to models.TrialStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.store.CompareAndSetStatus(ctx, id, models.StatusRunning, to); err != nil {
		p.logger.Error("failed to release trial", "trial_id", id, "error", err)
	}
}

func (p *Protocol) record(ctx context.Context, id, outcome, details string) {
	inputs := map[string]string{"trial_id": id, "worker_id": p.env.WorkerID, "cluster": p.env.Cluster}
	if _, err := p.pdr.Record(ctx, audit.ActionClaim, inputs, outcome, id, details); err != nil {
		p.logger.Warn("failed to write claim record", "trial_id", id, "error", err)
	}
}
