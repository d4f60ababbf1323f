package api

import (
	"encoding/json"
	"strings"

	"github.com/alvesdmateus/dock/internal/state"
)

// BuildToResponse converts a state.Build to BuildResponse. The log is left
// out; it is served by the logs endpoint.
func BuildToResponse(b *state.Build) BuildResponse {
	return BuildResponse{
		ID:          b.ID,
		Status:      b.Status,
		Method:      b.Method,
		GitURL:      b.GitURL,
		GitCommit:   b.GitCommit,
		Image:       b.Image,
		ReturnCode:  b.ReturnCode,
		ImageID:     b.ImageID,
		Message:     b.Message,
		Attempts:    b.Attempts,
		Config:      rawJSON(b.Config),
		Metadata:    rawJSON(b.Metadata),
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
	}
}

// BuildsToResponse converts a slice of builds
func BuildsToResponse(builds []state.Build) []BuildResponse {
	responses := make([]BuildResponse, len(builds))
	for i := range builds {
		responses[i] = BuildToResponse(&builds[i])
	}
	return responses
}

// BuildToLogsResponse splits the stored log back into lines
func BuildToLogsResponse(b *state.Build) BuildLogsResponse {
	logs := []string{}
	if b.BuildLog != "" {
		logs = strings.Split(b.BuildLog, "\n")
	}
	return BuildLogsResponse{
		BuildID: b.ID,
		Status:  b.Status,
		Logs:    logs,
	}
}

// rawJSON passes a stored JSON column through, dropping anything invalid
func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}
