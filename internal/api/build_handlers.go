package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/dock/internal/builder"
	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/strategies"
	"github.com/alvesdmateus/dock/internal/queue"
	"github.com/alvesdmateus/dock/internal/state"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// maxConfigBytes caps the request body of a build submission
	maxConfigBytes = 1 << 20
)

// BuildStore records builds. *builder.Tracker implements it.
type BuildStore interface {
	QueueBuild(ctx context.Context, cfg *buildtypes.BuildConfiguration) (*state.Build, error)
	FailBuild(ctx context.Context, buildID string, result *buildtypes.BuildResult, err error) error
	GetBuildByID(ctx context.Context, buildID string) (*state.Build, error)
	ListBuilds(ctx context.Context, status string, limit, offset int) ([]state.Build, error)
}

// BuildSubmitter hands a recorded build to the workers. *orchestrator.Client
// implements it.
type BuildSubmitter interface {
	SubmitBuild(ctx context.Context, buildID string, cfg *buildtypes.BuildConfiguration) (*queue.Job, error)
}

// BuildHandler handles build-related HTTP requests
type BuildHandler struct {
	store             BuildStore
	submitter         BuildSubmitter
	defaultMethod     buildtypes.Method
	defaultBuildImage string
}

// NewBuildHandler creates a new build handler. Submitted configurations
// without a method get defaultMethod, and defaultBuildImage when that
// method needs a builder image.
func NewBuildHandler(store BuildStore, submitter BuildSubmitter, defaultMethod buildtypes.Method, defaultBuildImage string) *BuildHandler {
	if defaultMethod == "" {
		defaultMethod = buildtypes.MethodHostDocker
	}
	return &BuildHandler{
		store:             store,
		submitter:         submitter,
		defaultMethod:     defaultMethod,
		defaultBuildImage: defaultBuildImage,
	}
}

// CreateBuild handles POST /api/v1/builds
func (h *BuildHandler) CreateBuild(w http.ResponseWriter, r *http.Request) {
	var req buildtypes.BuildConfiguration
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	cfg := builder.ApplyDefaults(&req, h.defaultMethod, h.defaultBuildImage)
	if err := checkConfig(cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	build, err := h.store.QueueBuild(r.Context(), cfg)
	if err != nil {
		log.Error().Err(err).Str("image", cfg.Image).Msg("Failed to record build")
		writeError(w, r, http.StatusInternalServerError, "Failed to record build")
		return
	}
	buildID := build.ID.String()

	job, err := h.submitter.SubmitBuild(r.Context(), buildID, cfg)
	if err != nil {
		log.Error().Err(err).Str("build_id", buildID).Msg("Failed to submit build")
		if failErr := h.store.FailBuild(r.Context(), buildID, buildtypes.FailedResult(err), err); failErr != nil {
			log.Error().Err(failErr).Str("build_id", buildID).Msg("Failed to record submission failure")
		}
		writeError(w, r, http.StatusServiceUnavailable, "Build queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, CreateBuildResponse{
		BuildID: build.ID,
		JobID:   job.ID,
		Status:  build.Status,
	})
}

// checkConfig rejects what the dispatcher would reject, before anything is
// recorded or queued
func checkConfig(cfg *buildtypes.BuildConfiguration) error {
	if !slices.Contains(buildtypes.Methods, cfg.Method) {
		return strategies.ErrUnknownMethod{Method: cfg.Method}
	}
	return cfg.Validate()
}

// ListBuilds handles GET /api/v1/builds?status=&limit=&offset=
func (h *BuildHandler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, err := intParam(query.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 {
		writeError(w, r, http.StatusBadRequest, "Invalid limit")
		return
	}
	limit = min(limit, maxListLimit)

	offset, err := intParam(query.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, r, http.StatusBadRequest, "Invalid offset")
		return
	}

	status := strings.ToUpper(query.Get("status"))
	if status != "" && !validStatus(status) {
		writeError(w, r, http.StatusBadRequest, "Invalid status")
		return
	}

	builds, err := h.store.ListBuilds(r.Context(), status, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list builds")
		writeError(w, r, http.StatusInternalServerError, "Failed to list builds")
		return
	}

	writeJSON(w, http.StatusOK, ListBuildsResponse{
		Builds: BuildsToResponse(builds),
		Limit:  limit,
		Offset: offset,
	})
}

// GetBuild handles GET /api/v1/builds/{id}
func (h *BuildHandler) GetBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, BuildToResponse(build))
}

// GetBuildLogs handles GET /api/v1/builds/{id}/logs
func (h *BuildHandler) GetBuildLogs(w http.ResponseWriter, r *http.Request) {
	build, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, BuildToLogsResponse(build))
}

// lookup loads the build named by the {id} URL parameter, writing the error
// response itself when it cannot
func (h *BuildHandler) lookup(w http.ResponseWriter, r *http.Request) (*state.Build, bool) {
	idStr := chi.URLParam(r, "id")
	if _, err := uuid.Parse(idStr); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid build ID")
		return nil, false
	}

	build, err := h.store.GetBuildByID(r.Context(), idStr)
	if err != nil {
		if errors.Is(err, state.ErrBuildNotFound) {
			writeError(w, r, http.StatusNotFound, "Build not found")
			return nil, false
		}
		log.Error().Err(err).Str("build_id", idStr).Msg("Failed to get build")
		writeError(w, r, http.StatusInternalServerError, "Failed to get build")
		return nil, false
	}
	return build, true
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func validStatus(status string) bool {
	switch status {
	case state.StatusQueued, state.StatusBuilding, state.StatusCompleted, state.StatusFailed:
		return true
	}
	return false
}
