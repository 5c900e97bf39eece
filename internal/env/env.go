// Package env describes the execution environment a worker runs in. It is
// built once at startup and passed to the components that need it.
package env

import (
	"os"

	"github.com/google/uuid"
)

// Context identifies the current worker and the resources local to it.
type Context struct {
	// Cluster is the name of the compute cluster. Trials interrupted on one
	// cluster only resume on the same cluster.
	Cluster string
	// Hostname of the machine running the worker.
	Hostname string
	// DataPath is where training data lives on this cluster.
	DataPath string
	// WorkerID is unique per worker process.
	WorkerID string
}

// Detect builds a Context from the process environment. Explicit values win
// over the CLUSTER_NAME and DATA_PATH environment variables.
func Detect(cluster, dataPath string) Context {
	if cluster == "" {
		cluster = os.Getenv("CLUSTER_NAME")
	}
	if dataPath == "" {
		dataPath = os.Getenv("DATA_PATH")
	}
	if dataPath == "" {
		dataPath = "."
	}
	hostname, _ := os.Hostname()
	return Context{
		Cluster:  cluster,
		Hostname: hostname,
		DataPath: dataPath,
		WorkerID: uuid.New().String(),
	}
}
