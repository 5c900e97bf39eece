package mongostore

import (
	"fmt"
	"strings"
	"time"

	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/store"
	"go.mongodb.org/mongo-driver/bson"
)

type experimentDoc struct {
	Name string `bson:"name"`
}

type hostDoc struct {
	Cluster   string    `bson:"cluster,omitempty"`
	Hostname  string    `bson:"hostname,omitempty"`
	WorkerID  string    `bson:"worker_id,omitempty"`
	ClaimedAt time.Time `bson:"claimed_at"`
}

type seriesDoc struct {
	Steps      []float64   `bson:"steps"`
	Values     []float64   `bson:"values"`
	Timestamps []time.Time `bson:"timestamps"`
}

type trialDoc struct {
	ID         string               `bson:"_id"`
	Experiment experimentDoc        `bson:"experiment"`
	Status     string               `bson:"status"`
	Config     bson.M               `bson:"config"`
	Host       *hostDoc             `bson:"host,omitempty"`
	Metrics    map[string]seriesDoc `bson:"metrics,omitempty"`
	CreatedAt  time.Time            `bson:"created_at"`
	UpdatedAt  time.Time            `bson:"updated_at"`
}

type pdrDoc struct {
	ID         string    `bson:"_id"`
	Action     string    `bson:"action"`
	InputsHash string    `bson:"inputs_hash"`
	Outcome    string    `bson:"outcome"`
	TrialID    string    `bson:"trial_id,omitempty"`
	Details    string    `bson:"details,omitempty"`
	Timestamp  time.Time `bson:"timestamp"`
}

func fromHost(h *models.Host) *hostDoc {
	if h == nil {
		return nil
	}
	return &hostDoc{
		Cluster:   h.Cluster,
		Hostname:  h.Hostname,
		WorkerID:  h.WorkerID,
		ClaimedAt: h.ClaimedAt,
	}
}

func fromTrial(t *models.Trial) trialDoc {
	d := trialDoc{
		ID:         t.ID,
		Experiment: experimentDoc{Name: t.Experiment},
		Status:     string(t.Status),
		Config:     bson.M(t.Config.Map()),
		Host:       fromHost(t.Host),
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
	if len(t.Metrics) > 0 {
		d.Metrics = make(map[string]seriesDoc, len(t.Metrics))
		for name, s := range t.Metrics {
			d.Metrics[metricKey(name)] = seriesDoc(s)
		}
	}
	return d
}

func (d trialDoc) toTrial() (models.Trial, error) {
	t := models.Trial{
		ID:         d.ID,
		Experiment: d.Experiment.Name,
		Status:     models.TrialStatus(d.Status),
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	if d.Config != nil {
		cfg, err := models.ConfigFromMap(map[string]any(d.Config))
		if err != nil {
			return models.Trial{}, &store.StoreError{Op: "decode config of " + d.ID, Err: err}
		}
		t.Config = cfg
	}
	if d.Host != nil {
		t.Host = &models.Host{
			Cluster:   d.Host.Cluster,
			Hostname:  d.Host.Hostname,
			WorkerID:  d.Host.WorkerID,
			ClaimedAt: d.Host.ClaimedAt,
		}
	}
	if d.Metrics != nil {
		t.Metrics = make(map[string]models.Series, len(d.Metrics))
		for key, s := range d.Metrics {
			t.Metrics[metricName(key)] = models.Series(s)
		}
	}
	return t, nil
}

// toBSON renders a store filter as a MongoDB query document.
func toBSON(f store.Filter) (bson.M, error) {
	q, err := conjunction(f.All)
	if err != nil {
		return nil, err
	}
	if len(f.AnyOf) > 0 {
		branches := make(bson.A, 0, len(f.AnyOf))
		for _, b := range f.AnyOf {
			m, err := conjunction(b)
			if err != nil {
				return nil, err
			}
			branches = append(branches, m)
		}
		q["$or"] = branches
	}
	return q, nil
}

func conjunction(conds []store.Cond) (bson.M, error) {
	q := bson.M{}
	for _, c := range conds {
		if err := store.ValidatePath(c.Path); err != nil {
			return nil, err
		}
		path := c.Path
		switch {
		case path == "id":
			path = "_id"
		case path == "experiment":
			path = "experiment.name"
		case strings.HasPrefix(path, "metrics."):
			return nil, fmt.Errorf("unsupported filter path %q", c.Path)
		}

		ops, _ := q[path].(bson.M)
		if ops == nil {
			ops = bson.M{}
			q[path] = ops
		}
		if _, dup := ops[string(c.Op)]; dup {
			return nil, fmt.Errorf("duplicate %s on %q", c.Op, c.Path)
		}
		ops[string(c.Op)] = bsonValue(c.Value)
	}
	return q, nil
}

func bsonValue(v any) any {
	switch x := v.(type) {
	case models.TrialStatus:
		return string(x)
	case []any:
		out := make(bson.A, len(x))
		for i, e := range x {
			out[i] = bsonValue(e)
		}
		return out
	}
	return v
}

func toProjection(p store.Projection) bson.M {
	if p == nil {
		return nil
	}
	proj := bson.M{
		"_id":        1,
		"experiment": 1,
		"status":     1,
		"created_at": 1,
		"updated_at": 1,
	}
	for _, field := range p {
		proj[field] = 1
	}
	return proj
}
