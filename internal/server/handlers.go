package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conneroisu/previewd/internal/build"
	"github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/preview"
	"github.com/conneroisu/previewd/internal/version"
)

const maxSourceBytes = 1 << 20

// StateView is the preview state as the browser sees it.
type StateView struct {
	preview.State
	CanUndo   bool `json:"canUndo"`
	CanRedo   bool `json:"canRedo"`
	CanRetry  bool `json:"canRetry"`
	Connected int  `json:"clients"`
}

type sourceBody struct {
	Source string `json:"source"`
}

type cacheBody struct {
	Cache   build.CacheStats      `json:"cache"`
	Compile build.MetricsSnapshot `json:"compile"`
	Session build.SessionState    `json:"session"`
}

func (s *PreviewServer) view() StateView {
	state := s.controller.State()
	return StateView{
		State:     state,
		CanUndo:   s.workspace.CanUndo(),
		CanRedo:   s.workspace.CanRedo(),
		CanRetry:  state.Retryable(),
		Connected: s.ws.ClientCount(),
	}
}

func (s *PreviewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	page := Page(PageData{
		Source: s.workspace.Source(),
		Mode:   s.config.Preview.PreviewMode(),
	})
	if err := page.Render(r.Context(), w); err != nil {
		s.logger.Error(r.Context(), err, "failed to render host page")
	}
}

// handleSandbox serves a mounted sandbox document under its own
// Content-Security-Policy. Only the current instance is served.
func (s *PreviewServer) handleSandbox(w http.ResponseWriter, r *http.Request) {
	instance, ok := s.host.Document(r.PathValue("key"))
	if !ok {
		http.Error(w, "Sandbox instance not found", http.StatusNotFound)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Security-Policy", instance.Policy)
	if _, err := w.Write(instance.Document); err != nil {
		s.logger.Debug(r.Context(), "sandbox document write failed", "error", err.Error())
	}
}

func (s *PreviewServer) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.view())
}

func (s *PreviewServer) handleGetSource(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, sourceBody{Source: s.workspace.Source()})
}

// handleSetSource replaces the buffer. JSON bodies carry {"source": ...};
// any other content type is taken as the source text itself.
func (s *PreviewServer) handleSetSource(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSourceBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.NewInternalError(errors.ErrCodeValidationFailed, "reading request body", err))
		return
	}
	if len(data) > maxSourceBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, errors.NewInternalError(errors.ErrCodeValidationFailed, "source too large", nil))
		return
	}

	source := string(data)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body sourceBody
		if err := json.Unmarshal(data, &body); err != nil {
			s.writeError(w, http.StatusBadRequest, errors.NewInternalError(errors.ErrCodeValidationFailed, "malformed JSON body", err))
			return
		}
		source = body.Source
	}

	changed := s.workspace.Replace(source)
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"changed": changed,
		"state":   s.view(),
	})
}

func (s *PreviewServer) handleUndo(w http.ResponseWriter, r *http.Request) {
	source, ok := s.workspace.Undo()
	if !ok {
		s.writeError(w, http.StatusConflict, errNothingTo("undo"))
		return
	}
	s.writeJSON(w, http.StatusOK, sourceBody{Source: source})
}

func (s *PreviewServer) handleRedo(w http.ResponseWriter, r *http.Request) {
	source, ok := s.workspace.Redo()
	if !ok {
		s.writeError(w, http.StatusConflict, errNothingTo("redo"))
		return
	}
	s.writeJSON(w, http.StatusOK, sourceBody{Source: source})
}

func (s *PreviewServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Retry(r.Context()); err != nil {
		s.errs.Handle(r.Context(), err)
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view())
}

func (s *PreviewServer) handleReset(w http.ResponseWriter, r *http.Request) {
	s.controller.ResetView(r.Context())
	s.writeJSON(w, http.StatusOK, s.view())
}

func (s *PreviewServer) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.compiler.Cache().Stats()
	s.metrics.SetCacheEntries(stats.Entries)
	s.writeJSON(w, http.StatusOK, cacheBody{
		Cache:   stats,
		Compile: s.compiler.Metrics(),
		Session: s.compiler.State(),
	})
}

func (s *PreviewServer) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.compiler.Cache().Clear()
	s.metrics.SetCacheEntries(0)
	s.logger.Info(r.Context(), "transform cache cleared")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Cache cleared successfully",
		"timestamp": time.Now().Unix(),
	})
}

func (s *PreviewServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.GetBuildInfo())
}

func (s *PreviewServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug(context.Background(), "failed to encode JSON response", "error", err.Error())
	}
}

func (s *PreviewServer) writeError(w http.ResponseWriter, status int, err error) {
	pe := errors.AsPreviewError(err, errors.KindInternal)
	s.writeJSON(w, status, map[string]interface{}{"error": pe})
}

func errNothingTo(action string) *errors.PreviewError {
	return errors.NewInternalError(errors.ErrCodeValidationFailed, "nothing to "+action, nil)
}
