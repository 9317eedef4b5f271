// Package resources implements MCP resource handlers for learnd.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (learnd://...) following MCP conventions.
package resources

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/learnd/internal/memory"
	"github.com/HendryAvila/learnd/internal/scheduler"
)

const (
	StatsURI  = "learnd://stats"
	ExportURI = "learnd://export"
)

// RecordSource is the part of the memory store the resources read.
type RecordSource interface {
	Stats(ctx context.Context) (*memory.Stats, error)
	Export(ctx context.Context) (*memory.ExportData, error)
}

// JobStats reports background learning counters.
type JobStats interface {
	Stats() scheduler.Stats
}

// Handler manages learnd resource endpoints.
type Handler struct {
	records RecordSource
	jobs    JobStats
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(records RecordSource, jobs JobStats) *Handler {
	return &Handler{records: records, jobs: jobs}
}

// statusDoc is the body of learnd://stats.
type statusDoc struct {
	Records *memory.Stats   `json:"records"`
	Jobs    scheduler.Stats `json:"jobs"`
}

// StatsResource returns the MCP resource definition for learning status.
func (h *Handler) StatsResource() mcp.Resource {
	return mcp.NewResource(
		StatsURI,
		"Learning Status",
		mcp.WithResourceDescription("Stored record counts per store and background learning job counters"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleStats returns record and job counters as JSON.
func (h *Handler) HandleStats(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := h.records.Stats(ctx)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, statusDoc{Records: stats, Jobs: h.jobs.Stats()})
}

// ExportResource returns the MCP resource definition for the full record dump.
func (h *Handler) ExportResource() mcp.Resource {
	return mcp.NewResource(
		ExportURI,
		"Learning Export",
		mcp.WithResourceDescription("Every stored learning record, tombstones included, in insertion order"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleExport returns every record as JSON.
func (h *Handler) HandleExport(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := h.records.Export(ctx)
	if err != nil {
		return errorResource(req.Params.URI, fmt.Sprintf("export failed: %v", err)), nil
	}
	return jsonResource(req.Params.URI, data)
}
