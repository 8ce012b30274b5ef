package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/loxone2mqtt/internal/adaptor"
	"github.com/nerrad567/loxone2mqtt/internal/bridge"
	"github.com/nerrad567/loxone2mqtt/internal/history"
)

const (
	// maxQueryParamLen caps path query parameters.
	maxQueryParamLen = 512

	// commandTimeout bounds a command request end to end.
	commandTimeout = 10 * time.Second
)

// pathsResponse is the /paths response.
type pathsResponse struct {
	Count int                 `json:"count"`
	Paths []adaptor.PathEntry `json:"paths"`
}

// historyResponse is the /history response.
type historyResponse struct {
	Path    string          `json:"path"`
	Count   int             `json:"count"`
	Entries []history.Entry `json:"entries"`
}

// commandRequest is the body of POST /command.
type commandRequest struct {
	Path    string `json:"path"`
	Command string `json:"command"`
}

func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	paths := s.bridge.Paths()
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		filtered := paths[:0:0]
		for _, p := range paths {
			if strings.HasPrefix(p.Path, prefix) {
				filtered = append(filtered, p)
			}
		}
		paths = filtered
	}
	if paths == nil {
		paths = []adaptor.PathEntry{}
	}
	writeJSON(w, http.StatusOK, pathsResponse{Count: len(paths), Paths: paths})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeNotFound(w, "state history is disabled")
		return
	}

	q := r.URL.Query()
	path := strings.Trim(q.Get("path"), "/")
	if path == "" || len(path) > maxQueryParamLen {
		writeBadRequest(w, "path query parameter is required")
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.GetHistory(r.Context(), path, limit)
	switch {
	case errors.Is(err, history.ErrPathRequired):
		writeBadRequest(w, "path query parameter is required")
		return
	case err != nil:
		s.logger.Error("reading state history", "error", err, "path", path)
		writeInternalError(w, "failed to read state history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Path: path, Count: len(entries), Entries: entries})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Path = strings.Trim(req.Path, "/")
	if req.Path == "" {
		writeBadRequest(w, "path is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	err := s.bridge.Command(ctx, req.Path, req.Command)
	switch {
	case err == nil:
		s.logger.Info("command sent via API",
			"path", req.Path,
			"subject", subjectFrom(r.Context()),
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "sent",
			"path":    req.Path,
			"command": req.Command,
		})
	case errors.Is(err, bridge.ErrNoStructure):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no structure loaded yet")
	case errors.Is(err, bridge.ErrUnknownPath):
		writeNotFound(w, "unknown path: "+req.Path)
	case errors.Is(err, bridge.ErrNoActionTarget):
		writeError(w, http.StatusConflict, ErrCodeConflict, "control at "+req.Path+" accepts no commands")
	case errors.Is(err, bridge.ErrCommandFailed):
		s.logger.Warn("command failed", "path", req.Path, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, "miniserver rejected or did not receive the command")
	default:
		s.logger.Error("command failed", "path", req.Path, "error", err)
		writeInternalError(w, "failed to send command")
	}
}
