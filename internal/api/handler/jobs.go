// Package handler serves the job API: submit a job, poll its status, list
// the stored keys and report whether the cluster is ready.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/glmharness/internal/api/middleware"
	"github.com/kiranshivaraju/glmharness/internal/api/response"
	"github.com/kiranshivaraju/glmharness/internal/cluster"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

// maxBodyBytes caps submit bodies; fit payloads list every predictor column.
const maxBodyBytes = 4 << 20

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(c cluster.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Kind    models.JobKind `json:"kind"`
			Payload models.Payload `json:"payload"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Kind == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "kind is required", nil)
			return
		}
		if req.Payload == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "payload is required", nil)
			return
		}

		mw.AnnotateJob(r, "kind", req.Kind)
		handle, err := c.Submit(r.Context(), req.Kind, req.Payload)
		if err != nil {
			if errors.Is(err, cluster.ErrRequestRejected) {
				response.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error(), nil)
				return
			}
			slog.Error("submit failed", "request_id", mw.GetRequestID(r), "kind", req.Kind, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		mw.AnnotateJob(r, "handle", handle)
		response.Accepted(w, jobPath(handle), map[string]models.JobHandle{"handle": handle})
	}
}

// NewPollHandler returns an http.HandlerFunc for GET /api/v1/jobs/{handle}.
func NewPollHandler(c cluster.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle := models.JobHandle(chi.URLParam(r, "handle"))
		if handle == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "handle is required", nil)
			return
		}

		mw.AnnotateJob(r, "handle", handle)
		status, err := c.Poll(r.Context(), handle)
		if err != nil {
			if errors.Is(err, cluster.ErrUnknownHandle) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No job with that handle", nil)
				return
			}
			slog.Error("poll failed", "request_id", mw.GetRequestID(r), "handle", handle, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		mw.AnnotateJob(r, "kind", status.Kind, "state", status.State)
		if status.IsTerminal() {
			mw.MarkNotable(r)
		}
		response.JSON(w, status)
	}
}

func jobPath(handle models.JobHandle) string {
	return "/api/v1/jobs/" + url.PathEscape(string(handle))
}

// NewKeysHandler returns an http.HandlerFunc for GET /api/v1/keys.
func NewKeysHandler(c cluster.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := c.ListKeys(r.Context())
		if err != nil {
			slog.Error("list keys failed", "request_id", mw.GetRequestID(r), "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, map[string][]string{"keys": keys})
	}
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(c cluster.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.Ready(r.Context()); err != nil {
			response.Error(w, http.StatusServiceUnavailable, "NOT_READY",
				"Cluster is not ready", map[string]string{"reason": err.Error()})
			return
		}
		response.JSON(w, map[string]string{"status": "ok"})
	}
}
