package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// VertexConfig addresses the pipeline service and the data it trains on
type VertexConfig struct {
	Endpoint string // e.g. https://us-central1-aiplatform.googleapis.com/v1
	Project  string
	Location string

	ServiceAccount    string
	TrainTemplate     string
	InferenceTemplate string
	ScriptPath        string
	SystemKey         string

	// OutputBase is the bucket URI under which outbox/<asset>/... lives
	OutputBase string

	// Analytical table the jobs read from
	DataProject string
	Dataset     string
	Table       string
}

// Vertex launches Vertex AI pipeline jobs over REST.
type Vertex struct {
	cfg    VertexConfig
	client *http.Client
}

// NewVertex uses client as-is; it must attach credentials
func NewVertex(cfg VertexConfig, client *http.Client) *Vertex {
	if cfg.DataProject == "" {
		cfg.DataProject = cfg.Project
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Vertex{cfg: cfg, client: client}
}

// NewAuthenticated builds an OAuth2 client from application default
// credentials or opts
func NewAuthenticated(ctx context.Context, cfg VertexConfig, opts ...option.ClientOption) (*Vertex, error) {
	opts = append(opts, option.WithScopes(cloudPlatformScope))
	client, _, err := htransport.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticated client: %w", err)
	}
	client.Timeout = 30 * time.Second
	return NewVertex(cfg, client), nil
}

type pipelineJob struct {
	DisplayName    string        `json:"displayName"`
	RuntimeConfig  runtimeConfig `json:"runtimeConfig"`
	ServiceAccount string        `json:"serviceAccount,omitempty"`
	TemplateURI    string        `json:"templateUri"`
}

type runtimeConfig struct {
	GCSOutputDirectory string            `json:"gcsOutputDirectory"`
	ParameterValues    map[string]string `json:"parameterValues"`
}

// Body builds the pipeline job descriptor for req
func (v *Vertex) Body(req Request) ([]byte, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	params := map[string]string{
		"bq_query":        DataQuery(v.cfg.DataProject, v.cfg.Dataset, v.cfg.Table, req.AssetTypeID, req.AssetID),
		"gcp_project_id":  v.cfg.Project,
		"model_id":        ModelID(req.AssetID, now),
		"script_gcs_path": v.cfg.ScriptPath,
	}

	job := pipelineJob{
		DisplayName:    DisplayName(req.Kind, v.cfg.Table, req.AssetTypeID, req.AssetID),
		ServiceAccount: v.cfg.ServiceAccount,
	}
	switch req.Kind {
	case KindTrain:
		params["system_key"] = v.cfg.SystemKey
		params["sageformer_timestep"] = strconv.Itoa(req.Timestep)
		job.TemplateURI = v.cfg.TrainTemplate
		job.RuntimeConfig.GCSOutputDirectory = v.outputDir(req.AssetID, "models")
	case KindInference:
		if req.ModelURI == "" {
			return nil, fmt.Errorf("inference for %s needs a model", req.AssetID)
		}
		params["model_gcs_path"] = req.ModelURI
		job.TemplateURI = v.cfg.InferenceTemplate
		job.RuntimeConfig.GCSOutputDirectory = v.outputDir(req.AssetID, "forecasts")
	default:
		return nil, fmt.Errorf("unknown job kind %q", req.Kind)
	}
	job.RuntimeConfig.ParameterValues = params

	return json.Marshal(job)
}

func (v *Vertex) outputDir(assetID, kind string) string {
	return strings.TrimRight(v.cfg.OutputBase, "/") + "/outbox/" + assetID + "/" + kind
}

func (v *Vertex) collectionURL() string {
	return fmt.Sprintf("%s/projects/%s/locations/%s/pipelineJobs", v.cfg.Endpoint, v.cfg.Project, v.cfg.Location)
}

// jobURL accepts a full resource name or a bare job id
func (v *Vertex) jobURL(name string) string {
	if strings.HasPrefix(name, "projects/") {
		return v.cfg.Endpoint + "/" + name
	}
	return v.collectionURL() + "/" + name
}

// Launch submits a pipeline job
func (v *Vertex) Launch(ctx context.Context, req Request) (string, error) {
	body, err := v.Body(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.collectionURL(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out struct {
		Name string `json:"name"`
	}
	if err := v.do(httpReq, &out); err != nil {
		return "", fmt.Errorf("%s pipeline for %s: %w", req.Kind, req.AssetID, err)
	}
	if out.Name == "" {
		return "", fmt.Errorf("%w: response carried no job name", ErrLaunch)
	}
	return out.Name, nil
}

var vertexStates = map[string]State{
	"PIPELINE_STATE_QUEUED":     StatePending,
	"PIPELINE_STATE_PENDING":    StatePending,
	"PIPELINE_STATE_RUNNING":    StateRunning,
	"PIPELINE_STATE_CANCELLING": StateRunning,
	"PIPELINE_STATE_PAUSED":     StateRunning,
	"PIPELINE_STATE_SUCCEEDED":  StateSucceeded,
	"PIPELINE_STATE_FAILED":     StateFailed,
	"PIPELINE_STATE_CANCELLED":  StateCancelled,
}

// State fetches the job and maps its pipeline state
func (v *Vertex) State(ctx context.Context, name string) (State, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jobURL(name), nil)
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to create request: %w", err)
	}
	var out struct {
		State string `json:"state"`
	}
	if err := v.do(httpReq, &out); err != nil {
		return StateUnknown, err
	}
	if s, ok := vertexStates[out.State]; ok {
		return s, nil
	}
	return StateUnknown, nil
}

// Cancel deletes the job; a missing job counts as deleted
func (v *Vertex) Cancel(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, v.jobURL(name), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	err = v.do(httpReq, nil)
	if se, ok := err.(*statusError); ok && se.code == http.StatusNotFound {
		return nil
	}
	return err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error {
	return ErrLaunch
}

func (v *Vertex) do(req *http.Request, out interface{}) error {
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
