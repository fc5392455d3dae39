package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/models"
)

// Dispatcher schedules macro tasks.
type Dispatcher interface {
	Dispatch(task models.ExecutionTask) (models.ExecutionTask, error)
}

// PythonRunner runs Python snippets to completion.
type PythonRunner interface {
	Run(ctx context.Context, code string) models.Envelope
}

// SceneSaver saves scenes behind a re-entrancy guard.
type SceneSaver interface {
	Save(ctx context.Context, name, data string) (models.Scene, error)
}

// SceneStore reads saved scenes.
type SceneStore interface {
	List(ctx context.Context) ([]models.Scene, error)
	Get(ctx context.Context, name string) (models.Scene, error)
	Delete(ctx context.Context, name string) error
}

// MacroCatalog lists registered macros.
type MacroCatalog interface {
	Definitions() []models.MacroDefinition
	FallbackLabel() string
	StartupLabel() string
}

// ScriptResults completes script requests sent to the page.
type ScriptResults interface {
	Resolve(id, result, errMsg string) error
}

// FileTable is the in-memory table behind file serving.
type FileTable interface {
	Get(p string) ([]byte, error)
	Put(key string, data []byte)
	Store(text, ext string) string
	Keys() []string
}

// Deps are the services the handlers talk to.
type Deps struct {
	Dispatcher Dispatcher
	Python     PythonRunner
	Saver      SceneSaver
	Scenes     SceneStore
	Macros     MacroCatalog
	Scripts    ScriptResults
	Files      FileTable
	Events     http.Handler
	Logger     *slog.Logger
}

// Handler holds API route handlers.
type Handler struct {
	d      Deps
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{d: d, logger: logger}
}

// Execute handles POST /api/bind/execute. The task is queued and the call
// returns before the macro runs; the result reaches the page through its
// callback registry.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.d.Dispatcher.Dispatch(req.Task())
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrInvalidArgument):
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		case errors.Is(err, apperr.ErrQueueFull), errors.Is(err, apperr.ErrNotRunning):
			h.logger.Warn("api: dispatch rejected", slog.String("task_id", task.ID), slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
		default:
			h.logger.Error("api: dispatch failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusAccepted, ExecuteResponse{Dispatched: true, TaskID: task.ID})
}

// ExecutePython handles POST /api/bind/execute-python. Unlike Execute it
// waits for the process and answers with its result envelope.
func (h *Handler) ExecutePython(w http.ResponseWriter, r *http.Request) {
	if h.d.Python == nil {
		writeJSON(w, http.StatusServiceUnavailable, models.Failed(errors.New("python execution is disabled")))
		return
	}
	var req ExecutePythonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	env := h.d.Python.Run(r.Context(), req.Code)
	if !env.Success {
		h.logger.Warn("api: python failed", slog.String("error", env.Error))
	}
	writeJSON(w, http.StatusOK, env)
}

// SaveScene handles POST /api/bind/save-scene and answers with a result
// envelope.
func (h *Handler) SaveScene(w http.ResponseWriter, r *http.Request) {
	var req SaveSceneRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	data := req.Data()
	if _, err := h.d.Saver.Save(r.Context(), req.SceneName, data); err != nil {
		switch {
		case errors.Is(err, apperr.ErrSaveInProgress):
			writeJSON(w, http.StatusConflict, models.Failed(err))
		case errors.Is(err, apperr.ErrInvalidArgument):
			writeJSON(w, http.StatusBadRequest, models.Failed(err))
		default:
			h.logger.Error("api: save scene failed", slog.String("scene", req.SceneName), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, models.Failed(errors.New("internal error")))
		}
		return
	}
	writeJSON(w, http.StatusOK, models.Succeeded(fmt.Sprintf("saved size %d", len(data))))
}

// Store handles POST /api/bind/store, memoizing text under its content address.
func (h *Handler) Store(w http.ResponseWriter, r *http.Request) {
	var req StoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key := h.d.Files.Store(req.Text, req.Ext)
	writeJSON(w, http.StatusCreated, StoreResponse{Key: key, URL: "/" + key})
}

// ListMacros handles GET /api/macros.
func (h *Handler) ListMacros(w http.ResponseWriter, _ *http.Request) {
	defs := h.d.Macros.Definitions()
	if defs == nil {
		defs = []models.MacroDefinition{}
	}
	writeJSON(w, http.StatusOK, MacroListResponse{
		Macros:   defs,
		Fallback: h.d.Macros.FallbackLabel(),
		Startup:  h.d.Macros.StartupLabel(),
	})
}

// ListScenes handles GET /api/scenes.
func (h *Handler) ListScenes(w http.ResponseWriter, r *http.Request) {
	scenes, err := h.d.Scenes.List(r.Context())
	if err != nil {
		h.logger.Error("api: list scenes failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, SceneListResponse{Scenes: scenes})
}

// GetScene handles GET /api/scenes/{name}.
func (h *Handler) GetScene(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sc, err := h.d.Scenes.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			h.logger.Error("api: get scene failed", slog.String("scene", name), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// DeleteScene handles DELETE /api/scenes/{name}.
func (h *Handler) DeleteScene(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.d.Scenes.Delete(r.Context(), name); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			h.logger.Error("api: delete scene failed", slog.String("scene", name), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ScriptResult handles POST /api/ui/scripts/{id}, posted by the page once
// a pushed script has run.
func (h *Handler) ScriptResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ScriptResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.d.Scripts.Resolve(id, req.Result, req.Error); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("unknown script request"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
