// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/queue"
)

// submitRequest is the POST /tasks body.
type submitRequest struct {
	Files    []string `json:"files"`
	Model    string   `json:"model"`
	Language string   `json:"language"`
	Formats  []string `json:"formats"`
	Priority string   `json:"priority"`
	GPU      *int     `json:"gpu,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}

	hint := -1
	if req.GPU != nil && *req.GPU >= 0 {
		hint = *req.GPU
	}
	id, err := s.sys.Submit(queue.Spec{
		Files:    req.Files,
		Model:    req.Model,
		Language: req.Language,
		Formats:  req.Formats,
		Priority: queue.ParsePriority(req.Priority),
		GPUHint:  hint,
	})
	if err != nil {
		if errors.Is(err, queue.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.FromContext(r.Context()).Info().
		Str("task_id", id).
		Str("model", req.Model).
		Int("files", len(req.Files)).
		Msg("task accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, ok := s.sys.Status(id)
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.sys.Status(id); !ok {
		writeNotFound(w)
		return
	}
	cancelled := s.sys.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "cancelled": cancelled})
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.ListQueue())
}

func (s *Server) handleFailedLog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"failed": s.sys.FailedLog()})
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	devices, err := s.sys.GPUStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gpus": devices})
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pool": s.sys.PoolStatus()})
}

func (s *Server) handleGetConcurrency(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"max_concurrent_tasks": s.sys.GetConcurrency()})
}

type concurrencyRequest struct {
	MaxConcurrentTasks *int `json:"max_concurrent_tasks"`
}

func (s *Server) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxConcurrentTasks == nil {
		writeError(w, http.StatusBadRequest, errors.New("body must carry max_concurrent_tasks"))
		return
	}
	applied := s.sys.SetConcurrency(*req.MaxConcurrentTasks)
	resp := map[string]any{"max_concurrent_tasks": applied}
	if applied != *req.MaxConcurrentTasks {
		resp["clamped_from"] = strconv.Itoa(*req.MaxConcurrentTasks)
	}
	writeJSON(w, http.StatusOK, resp)
}
