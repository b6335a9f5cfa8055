package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyforecast/pkg/config"
	"github.com/nicktill/tinyforecast/pkg/httpx"
	"github.com/nicktill/tinyforecast/pkg/pipeline"
	"github.com/nicktill/tinyforecast/pkg/server/monitor"
	"github.com/nicktill/tinyforecast/pkg/storage"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var (
	errMigrationDisabled = errors.New("migration is disabled")
	errSyncDisabled      = errors.New("analytical store is disabled")
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string                `json:"status"`
	Version string                `json:"version"`
	Uptime  string                `json:"uptime"`
	Cycles  []monitor.CycleStatus `json:"cycles"`
}

// PipelineResponse carries a pipeline and the synthetic attributes the
// change adds or removes.
type PipelineResponse struct {
	Pipeline         *pipeline.Pipeline `json:"pipeline,omitempty"`
	SyntheticAdded   []string           `json:"synthetic_added,omitempty"`
	SyntheticRemoved []string           `json:"synthetic_removed,omitempty"`
}

// ForecastResponse is the forecast window of one asset.
type ForecastResponse struct {
	AssetID string                `json:"asset_id"`
	Start   time.Time             `json:"start"`
	End     time.Time             `json:"end"`
	Rows    []pipeline.HistoryRow `json:"rows"`
}

// handleHealth reports degraded while a cycle that has run is unhealthy.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "healthy",
		Version: Version,
		Uptime:  time.Since(a.started).Round(time.Second).String(),
	}
	statusCode := http.StatusOK

	monitors := []*monitor.CycleMonitor{a.ForecastMonitor}
	if a.Migrator != nil {
		monitors = append(monitors, a.MigrationMonitor)
	}
	for _, m := range monitors {
		status := m.Status()
		response.Cycles = append(response.Cycles, status)
		if status.LastAttempt != "" && !status.Healthy {
			response.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}
	httpx.RespondJSON(w, statusCode, response)
}

func (a *App) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := a.Disk.Usage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"used_bytes": usage})
}

func (a *App) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := a.Meta.List(r.Context())
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []pipeline.Pipeline{}
	}
	httpx.RespondJSON(w, http.StatusOK, pipelines)
}

func (a *App) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := a.Meta.Get(r.Context(), mux.Vars(r)["assetTypeID"])
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, p)
}

// handleCreatePipeline installs a pipeline for an asset type.
func (a *App) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var settings pipeline.Settings
	if err := httpx.DecodeJSON(w, r, &settings); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	p, err := pipeline.New(mux.Vars(r)["assetTypeID"], settings, time.Now().UTC())
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	if err := a.Meta.Create(r.Context(), p); err != nil {
		httpx.RespondErr(w, err)
		return
	}

	a.Log.Info("Pipeline installed", "asset_type_id", p.AssetTypeID, "assets", len(p.Assets), "timestep", p.Timestep)
	httpx.RespondJSON(w, http.StatusCreated, PipelineResponse{
		Pipeline:       p,
		SyntheticAdded: p.SyntheticAttributes(),
	})
}

// handleUpdatePipeline applies new settings, preserving asset state.
func (a *App) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	var settings pipeline.Settings
	if err := httpx.DecodeJSON(w, r, &settings); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	var added, removed []string
	p, err := a.Meta.Update(r.Context(), mux.Vars(r)["assetTypeID"], func(p *pipeline.Pipeline) error {
		var err error
		added, removed, err = p.Apply(settings, time.Now().UTC())
		return err
	})
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	a.Log.Info("Pipeline updated", "asset_type_id", p.AssetTypeID, "synthetic_added", added, "synthetic_removed", removed)
	httpx.RespondJSON(w, http.StatusOK, PipelineResponse{
		Pipeline:         p,
		SyntheticAdded:   added,
		SyntheticRemoved: removed,
	})
}

// handleDeletePipeline uninstalls a pipeline and cancels its running jobs.
func (a *App) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["assetTypeID"]

	p, err := a.Meta.Get(ctx, id)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	a.cancelJobs(ctx, p)

	if err := a.Meta.Delete(ctx, id); err != nil {
		httpx.RespondErr(w, err)
		return
	}

	a.Log.Info("Pipeline uninstalled", "asset_type_id", id)
	httpx.RespondJSON(w, http.StatusOK, PipelineResponse{SyntheticRemoved: p.SyntheticAttributes()})
}

func (a *App) cancelJobs(ctx context.Context, p *pipeline.Pipeline) {
	for _, asset := range p.Assets {
		for _, job := range []string{asset.TrainJob, asset.InferenceJob} {
			if job == "" {
				continue
			}
			if err := a.Launcher.Cancel(ctx, job); err != nil {
				a.Log.Warn("Failed to cancel job", "asset_id", asset.ID, "job", job, "error", err)
			}
		}
	}
}

// handleForecast returns an asset's synthetic rows in [start, end),
// newest first.
func (a *App) handleForecast(w http.ResponseWriter, r *http.Request) {
	assetID := mux.Vars(r)["assetID"]

	start, end, err := forecastWindow(r, time.Now().UTC())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := a.History.QueryHistory(r.Context(), storage.HistoryQuery{
		AssetID:   assetID,
		AtOrAfter: &start,
		Before:    &end,
		Synthetic: storage.OnlySynthetic,
		Order:     storage.Descending,
		Limit:     config.ForecastMaxRows,
	})
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	if rows == nil {
		rows = []pipeline.HistoryRow{}
	}
	httpx.RespondJSON(w, http.StatusOK, ForecastResponse{AssetID: assetID, Start: start, End: end, Rows: rows})
}

func forecastWindow(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	start, end := now, now.Add(config.ForecastDefaultWindow)

	q := r.URL.Query()
	if s := q.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return start, end, fmt.Errorf("invalid start: %w", err)
		}
		start = t
		end = t.Add(config.ForecastDefaultWindow)
	}
	if s := q.Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return start, end, fmt.Errorf("invalid end: %w", err)
		}
		end = t
	}

	if !end.After(start) {
		return start, end, errors.New("end must be after start")
	}
	if end.Sub(start) > config.ForecastMaxWindow {
		return start, end, fmt.Errorf("window exceeds %s", config.ForecastMaxWindow)
	}
	return start, end, nil
}

// handleRunForecast starts a forecast cycle in the background.
func (a *App) handleRunForecast(w http.ResponseWriter, r *http.Request) {
	if a.Scheduler.Running() {
		httpx.RespondErrorString(w, http.StatusConflict, "forecast cycle already running")
		return
	}
	go func() {
		_, _ = a.RunForecastCycle(context.WithoutCancel(r.Context()))
	}()
	httpx.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleRunMigration starts a migration cycle in the background.
func (a *App) handleRunMigration(w http.ResponseWriter, r *http.Request) {
	if a.Migrator == nil {
		httpx.RespondError(w, http.StatusServiceUnavailable, errMigrationDisabled)
		return
	}
	if a.Migrator.Running() {
		httpx.RespondErrorString(w, http.StatusConflict, "migration cycle already running")
		return
	}
	go func() {
		_, _ = a.RunMigrationCycle(context.WithoutCancel(r.Context()))
	}()
	httpx.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleSyncAsset runs the History Sync Pipeline for one asset.
func (a *App) handleSyncAsset(w http.ResponseWriter, r *http.Request) {
	if a.Syncer == nil {
		httpx.RespondError(w, http.StatusServiceUnavailable, errSyncDisabled)
		return
	}
	ctx := r.Context()
	assetID := mux.Vars(r)["assetID"]

	assetTypeID, err := a.assetType(ctx, assetID)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	result, err := a.Syncer.Run(ctx, assetTypeID, assetID)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// assetType finds the pipeline that manages assetID.
func (a *App) assetType(ctx context.Context, assetID string) (string, error) {
	pipelines, err := a.Meta.List(ctx)
	if err != nil {
		return "", err
	}
	for i := range pipelines {
		if pipelines[i].Asset(assetID) != nil {
			return pipelines[i].AssetTypeID, nil
		}
	}
	return "", fmt.Errorf("asset %s: %w", assetID, storage.ErrNotFound)
}

// SetupRoutes configures all HTTP routes for the server.
func (a *App) SetupRoutes(router *mux.Router) {
	router.Use(corsMiddleware(a.Config.Port))

	api := router.PathPrefix("/v1").Subrouter()

	// Pipeline management
	api.HandleFunc("/pipelines", a.handleListPipelines).Methods("GET")
	api.HandleFunc("/pipelines/{assetTypeID}", a.handleGetPipeline).Methods("GET")
	api.HandleFunc("/pipelines/{assetTypeID}", a.handleCreatePipeline).Methods("POST")
	api.HandleFunc("/pipelines/{assetTypeID}", a.handleUpdatePipeline).Methods("PUT")
	api.HandleFunc("/pipelines/{assetTypeID}", a.handleDeletePipeline).Methods("DELETE")

	// Forecasts and manual triggers
	api.HandleFunc("/assets/{assetID}/forecast", a.handleForecast).Methods("GET")
	api.HandleFunc("/assets/{assetID}/sync", a.handleSyncAsset).Methods("POST")
	api.HandleFunc("/cycles/forecast", a.handleRunForecast).Methods("POST")
	api.HandleFunc("/cycles/migration", a.handleRunMigration).Methods("POST")

	api.HandleFunc("/health", a.handleHealth).Methods("GET")
	api.HandleFunc("/storage", a.handleStorageUsage).Methods("GET")

	// WebSocket for live predictions and cycle events
	api.Handle("/ws", a.Hub).Methods("GET")

	router.Handle("/metrics", a.Metrics.Handler()).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
