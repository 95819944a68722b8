package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Handler handles HTTP batch upload of raw log records.
type Handler struct {
	pipeline   *Pipeline
	maxPayload int
	maxBatch   int
	startTime  time.Time
}

// NewHandler creates an ingest Handler over the pipeline.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{
		pipeline:   pipeline,
		maxPayload: 10 * 1024 * 1024,
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size in bytes.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum records per upload.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// UploadRequest is the request body for batch upload. Records are flat
// field maps; unknown fields are ignored by normalization.
type UploadRequest struct {
	Records []map[string]any `json:"records"`
}

// RecordError reports a rejected record by its position in the upload.
type RecordError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// RecordWarning reports a field-level degradation for an accepted record.
type RecordWarning struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// UploadResponse is the batch upload response. A batch succeeds record by
// record: bad records are reported, never aborting the rest.
type UploadResponse struct {
	Success   bool            `json:"success"`
	Accepted  int             `json:"accepted"`
	Rejected  int             `json:"rejected"`
	Alerts    int             `json:"alerts"`
	Errors    []RecordError   `json:"errors,omitempty"`
	Warnings  []RecordWarning `json:"warnings,omitempty"`
	RequestID string          `json:"request_id"`
}

// HandleUpload handles POST /v1/ingest. The body is either an object with
// a records array or a bare JSON array of records.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	records, err := parseRecords(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "no records provided", requestID)
		return
	}
	if len(records) > h.maxBatch {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	resp := UploadResponse{RequestID: requestID}
	for i, record := range records {
		result, err := h.pipeline.Process(record)
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, RecordError{Index: i, Error: err.Error()})
			continue
		}
		resp.Accepted++
		resp.Alerts += len(result.Alerts)
		for _, warning := range result.Warnings {
			resp.Warnings = append(resp.Warnings, RecordWarning{
				Index: i, Field: warning.Field, Reason: warning.Reason,
			})
		}
	}
	resp.Success = resp.Rejected == 0

	status := http.StatusOK
	if resp.Accepted == 0 && resp.Rejected > 0 {
		status = http.StatusBadRequest
	} else if resp.Rejected > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// parseRecords accepts {"records": [...]} or a bare array.
func parseRecords(body []byte) ([]map[string]any, error) {
	var req UploadRequest
	if err := json.Unmarshal(body, &req); err == nil && req.Records != nil {
		return req.Records, nil
	}
	var bare []map[string]any
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	return bare, nil
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := h.pipeline.Metrics()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"records_in":     metrics.RecordsIn,
		"records_bad":    metrics.RecordsBad,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
