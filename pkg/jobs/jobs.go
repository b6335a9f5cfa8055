// Package jobs submits training and inference runs to the remote ML
// pipeline service and reports their state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrLaunch is returned when the service rejects a submission.
	ErrLaunch = errors.New("job launch rejected")

	// ErrDisabled is returned by Disabled.
	ErrDisabled = errors.New("job launching disabled")
)

// Kind selects the pipeline template.
type Kind string

const (
	KindTrain     Kind = "train"
	KindInference Kind = "inference"
)

// State is the lifecycle state of a submitted job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateUnknown   State = "unknown"
)

// Done reports whether the job reached a terminal state
func (s State) Done() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Request describes one run for one asset.
type Request struct {
	Kind        Kind
	AssetTypeID string
	AssetID     string
	Timestep    int

	// ModelURI is the checkpoint used by inference runs
	ModelURI string

	Now time.Time
}

// Launcher starts and tracks remote jobs.
type Launcher interface {
	// Launch submits a job and returns its name
	Launch(ctx context.Context, req Request) (string, error)

	// State returns the current state of a job
	State(ctx context.Context, name string) (State, error)

	// Cancel deletes a job. Unknown jobs are not an error.
	Cancel(ctx context.Context, name string) error
}

// DisplayName is the human-readable job name shown by the ML service
func DisplayName(kind Kind, table, assetTypeID, assetID string) string {
	return fmt.Sprintf("forecast-%s-pipeline-job-%s-%s-%s", kind, table, assetTypeID, assetID)
}

// ModelID tags a run with the asset and a second-resolution timestamp
func ModelID(assetID string, now time.Time) string {
	return assetID + "_" + now.UTC().Format("20060102150405")
}

// DataQuery selects an asset's training rows from the analytical table
func DataQuery(project, dataset, table, assetTypeID, assetID string) string {
	return fmt.Sprintf(
		"SELECT date_time, asset_type_id, asset_id, data FROM `%s.%s.%s` WHERE asset_id = '%s' AND asset_type_id = '%s' ORDER BY date_time",
		project, dataset, table, escapeLiteral(assetID), escapeLiteral(assetTypeID),
	)
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Disabled is a Launcher for deployments without an ML service.
type Disabled struct{}

func (Disabled) Launch(context.Context, Request) (string, error) { return "", ErrDisabled }
func (Disabled) State(context.Context, string) (State, error)    { return StateUnknown, ErrDisabled }
func (Disabled) Cancel(context.Context, string) error            { return nil }
