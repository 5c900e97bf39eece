package tui

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bouthilx/protopt/internal/experiment"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/worker"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// ErrNoWorker is returned by Stats when the monitor runs without a worker.
var ErrNoWorker = errors.New("no worker running")

// Client wraps HTTP calls to the monitor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Health reports whether the monitor and its database answer.
func (c *Client) Health() bool {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListTrials fetches the trials in status, or all of them when status is
// empty.
func (c *Client) ListTrials(status models.TrialStatus) ([]models.Trial, error) {
	u := c.baseURL + "/trials"
	if status != "" {
		u += "?status=" + url.QueryEscape(string(status))
	}
	var trials []models.Trial
	if err := c.get(u, &trials); err != nil {
		return nil, err
	}
	return trials, nil
}

// GetTrial fetches a single trial.
func (c *Client) GetTrial(id string) (*models.Trial, error) {
	var t models.Trial
	if err := c.get(c.baseURL+"/trials/"+url.PathEscape(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Decisions fetches the decision records of a trial.
func (c *Client) Decisions(id string) ([]models.PDREntry, error) {
	var entries []models.PDREntry
	if err := c.get(c.baseURL+"/trials/"+url.PathEscape(id)+"/decisions", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Summary fetches the trial counts and the best result.
func (c *Client) Summary() (*experiment.Summary, error) {
	var s experiment.Summary
	if err := c.get(c.baseURL+"/summary", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Stats fetches the worker statistics.
func (c *Client) Stats() (*worker.Stats, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoWorker
	}
	var stats worker.Stats
	if err := decode(resp, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) get(u string, v any) error {
	resp, err := c.httpClient.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, v)
}

func decode(resp *http.Response, v any) error {
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
