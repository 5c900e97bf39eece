// Package mongostore implements the trial store on MongoDB, for experiments
// whose workers are spread over clusters that do not share a filesystem.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DefaultPort is the MongoDB port used when none is given.
const DefaultPort = 27017

// Options describes how to reach the database.
type Options struct {
	Hosts      []string
	Ports      []int
	User       string
	Password   string
	Database   string
	Collection string
	SSL        bool
	SSLCAFile  string
	ReplicaSet string
	AuthSource string
	Timeout    time.Duration
}

// BuildURI assembles a connection string. A single port applies to every host.
func BuildURI(o Options) string {
	hosts := o.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	ports := o.Ports
	if len(ports) == 0 {
		ports = []int{DefaultPort}
	}

	addrs := make([]string, len(hosts))
	for i, h := range hosts {
		port := ports[0]
		if len(ports) == len(hosts) {
			port = ports[i]
		}
		addrs[i] = h + ":" + strconv.Itoa(port)
	}

	u := url.URL{Scheme: "mongodb", Host: strings.Join(addrs, ","), Path: "/"}
	if o.User != "" {
		if o.Password != "" {
			u.User = url.UserPassword(o.User, o.Password)
		} else {
			u.User = url.User(o.User)
		}
	}

	q := url.Values{}
	if o.SSL {
		q.Set("tls", "true")
	}
	if o.SSLCAFile != "" {
		q.Set("tlsCAFile", o.SSLCAFile)
	}
	if o.ReplicaSet != "" {
		q.Set("replicaSet", o.ReplicaSet)
	}
	if o.AuthSource != "" {
		q.Set("authSource", o.AuthSource)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Store is a MongoDB-backed trial store.
type Store struct {
	client *mongo.Client
	trials *mongo.Collection
	pdr    *mongo.Collection
}

var _ store.TrialStore = (*Store)(nil)

// Connect opens a client, checks the primary is reachable and ensures indexes.
func Connect(ctx context.Context, o Options) (*Store, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	clientOpts := options.Client().
		ApplyURI(BuildURI(o)).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, &store.StoreError{Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, &store.StoreError{Op: "ping", Err: err}
	}

	collection := o.Collection
	if collection == "" {
		collection = "trials"
	}
	db := client.Database(o.Database)
	s := &Store{
		client: client,
		trials: db.Collection(collection),
		pdr:    db.Collection(collection + "_pdr"),
	}

	_, err = s.trials.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "experiment.name", Value: 1}, {Key: "status", Value: 1}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, &store.StoreError{Op: "create index", Err: err}
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// --- Trial Operations ---

// Insert persists a new trial.
func (s *Store) Insert(ctx context.Context, t *models.Trial) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = models.StatusQueued
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.trials.InsertOne(ctx, fromTrial(t))
	return wrap("insert trial", err)
}

// Query returns the trials matching f, oldest first.
func (s *Store) Query(ctx context.Context, f store.Filter, p store.Projection) ([]models.Trial, error) {
	filter, err := toBSON(f)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if proj := toProjection(p); proj != nil {
		opts.SetProjection(proj)
	}

	cursor, err := s.trials.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap("query trials", err)
	}
	var docs []trialDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("decode trials", err)
	}

	trials := make([]models.Trial, 0, len(docs))
	for _, d := range docs {
		t, err := d.toTrial()
		if err != nil {
			return nil, err
		}
		trials = append(trials, t)
	}
	return trials, nil
}

// FindOne returns the first trial matching f, or nil when none does.
func (s *Store) FindOne(ctx context.Context, f store.Filter) (*models.Trial, error) {
	filter, err := toBSON(f)
	if err != nil {
		return nil, err
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	var d trialDoc
	err = s.trials.FindOne(ctx, filter, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find trial", err)
	}
	t, err := d.toTrial()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CompareAndSetStatus moves a trial from expected to next with a single
// document update filtered on the current status.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, next models.TrialStatus) (store.UpdateResult, error) {
	res, err := s.trials.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$eq": string(expected)}},
		bson.M{"$set": bson.M{"status": string(next), "updated_at": time.Now().UTC()}},
	)
	if errors.Is(err, mongo.ErrUnacknowledgedWrite) {
		return store.UpdateResult{Acknowledged: false}, nil
	}
	if err != nil {
		return store.UpdateResult{}, wrap("update trial status", err)
	}
	return store.UpdateResult{Acknowledged: true, ModifiedCount: res.ModifiedCount}, nil
}

// Count returns the number of trials matching f.
func (s *Store) Count(ctx context.Context, f store.Filter) (int64, error) {
	filter, err := toBSON(f)
	if err != nil {
		return 0, err
	}
	n, err := s.trials.CountDocuments(ctx, filter)
	return n, wrap("count trials", err)
}

// SetHost records where a RUNNING trial is executing.
func (s *Store) SetHost(ctx context.Context, id string, host models.Host) error {
	return s.updateRunning(ctx, "set host", bson.M{"host": fromHost(&host)}, id)
}

// UpdateConfig rewrites the config of a RUNNING trial.
func (s *Store) UpdateConfig(ctx context.Context, id string, cfg models.Config) error {
	return s.updateRunning(ctx, "update config", bson.M{"config": bson.M(cfg.Map())}, id)
}

func (s *Store) updateRunning(ctx context.Context, op string, set bson.M, id string) error {
	set["updated_at"] = time.Now().UTC()
	res, err := s.trials.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(models.StatusRunning)},
		bson.M{"$set": set},
	)
	if err != nil {
		return wrap(op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s on trial %s: %w: trial is not running", op, id, models.ErrIllegalState)
	}
	return nil
}

// --- Metric Operations ---

// AppendMetric pushes one scalar onto the named series of a trial.
func (s *Store) AppendMetric(ctx context.Context, id, name string, step, value float64, ts time.Time) error {
	key := "metrics." + metricKey(name)
	_, err := s.trials.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$push": bson.M{
				key + ".steps":      step,
				key + ".values":     value,
				key + ".timestamps": ts.UTC(),
			},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
	)
	return wrap("push metric", err)
}

var (
	metricEscaper   = strings.NewReplacer("%", "%25", ".", "%2E", "$", "%24")
	metricUnescaper = strings.NewReplacer("%2E", ".", "%24", "$", "%25", "%")
)

// metricKey escapes a metric name into a single document key. metricName
// reverses it.
func metricKey(name string) string {
	return metricEscaper.Replace(name)
}

func metricName(key string) string {
	return metricUnescaper.Replace(key)
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, pdr *models.PDREntry) error {
	if pdr.ID == "" {
		pdr.ID = uuid.New().String()
	}
	if pdr.Timestamp.IsZero() {
		pdr.Timestamp = time.Now().UTC()
	}
	_, err := s.pdr.InsertOne(ctx, pdrDoc{
		ID:         pdr.ID,
		Action:     pdr.Action,
		InputsHash: pdr.InputsHash,
		Outcome:    pdr.Outcome,
		TrialID:    pdr.TrialID,
		Details:    pdr.Details,
		Timestamp:  pdr.Timestamp,
	})
	return wrap("insert pdr", err)
}

// DecisionsForTrial returns the decision records of a trial, newest first.
func (s *Store) DecisionsForTrial(ctx context.Context, id string) ([]models.PDREntry, error) {
	cursor, err := s.pdr.Find(ctx, bson.M{"trial_id": id},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}))
	if err != nil {
		return nil, wrap("query pdr", err)
	}
	var docs []pdrDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("decode pdr", err)
	}
	entries := make([]models.PDREntry, len(docs))
	for i, d := range docs {
		entries[i] = models.PDREntry{
			ID:         d.ID,
			Action:     d.Action,
			InputsHash: d.InputsHash,
			Outcome:    d.Outcome,
			TrialID:    d.TrialID,
			Details:    d.Details,
			Timestamp:  d.Timestamp,
		}
	}
	return entries, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &store.StoreError{Op: op, Err: err}
}
