package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"warehouse-overwatch/api/middleware"
	"warehouse-overwatch/api/services"
	"warehouse-overwatch/pkg/admin"
	"warehouse-overwatch/pkg/metrics"
	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/services/backend"
	"warehouse-overwatch/pkg/services/connection"
	"warehouse-overwatch/pkg/shared"
	"warehouse-overwatch/pkg/store"
	"warehouse-overwatch/pkg/view"
)

// EntityReader is the read side of the entity store the handlers serve from.
type EntityReader interface {
	view.Source
	ResolveRobot(keys ...string) (string, bool)
	ResolveShelf(keys ...string) (string, bool)
	Robot(id string) (ontology.Robot, bool)
	Shelf(id string) (ontology.Shelf, bool)
	Task(id string) (ontology.Task, bool)
}

// ConnectionStatus reports the push channel. *connection.Manager satisfies it.
type ConnectionStatus interface {
	State() connection.State
	Topics() []connection.Topic
}

type HealthChecker interface {
	HealthCheck() error
}

type DatabaseHealth interface {
	Health() error
}

// Deps are the collaborators the handlers need. DB, NATS and Metrics may be nil.
type Deps struct {
	Store      EntityReader
	Projector  *view.Projector
	Connection ConnectionStatus
	Tasks      *services.TaskService
	Shelves    *services.ShelfService
	DB         DatabaseHealth
	NATS       HealthChecker
	Metrics    *metrics.Metrics
}

type Handlers struct {
	store      EntityReader
	projector  *view.Projector
	connection ConnectionStatus
	tasks      *services.TaskService
	shelves    *services.ShelfService
	db         DatabaseHealth
	nats       HealthChecker
	metrics    *metrics.Metrics
	startedAt  time.Time
}

func NewHandlers(deps Deps) *Handlers {
	projector := deps.Projector
	if projector == nil {
		projector = view.NewProjector(view.Bounds{MinX: 0, MaxX: 1000, MinY: 0, MaxY: 1000}, view.DefaultEpsilon)
	}
	return &Handlers{
		store:      deps.Store,
		projector:  projector,
		connection: deps.Connection,
		tasks:      deps.Tasks,
		shelves:    deps.Shelves,
		db:         deps.DB,
		nats:       deps.NATS,
		metrics:    deps.Metrics,
		startedAt:  time.Now(),
	}
}

func (h *Handlers) connectionState() connection.State {
	if h.connection == nil {
		return connection.Disconnected
	}
	return h.connection.State()
}

// View handlers
func (h *Handlers) GetView(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, h.projector.Project(h.store, string(h.connectionState())))
}

func (h *Handlers) GetConnection(w http.ResponseWriter, r *http.Request) {
	topics := []connection.Topic{}
	if h.connection != nil {
		topics = append(topics, h.connection.Topics()...)
	}
	sendSuccess(w, http.StatusOK, map[string]interface{}{
		"state":  h.connectionState(),
		"topics": topics,
	})
}

// Robot handlers
func (h *Handlers) ListRobots(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, collect(h.store.Robots()))
}

func (h *Handlers) GetRobot(w http.ResponseWriter, r *http.Request) {
	robotID := r.URL.Query().Get("robot_id")
	id, ok := h.store.ResolveRobot(robotID)
	if !ok {
		sendError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("robot %s not found", robotID))
		return
	}
	robot, _ := h.store.Robot(id)
	sendSuccess(w, http.StatusOK, robot)
}

// Shelf handlers
func (h *Handlers) ListShelves(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, collect(h.store.Shelves()))
}

type shelfDetail struct {
	ontology.Shelf
	AtStorage          bool `json:"at_storage"`
	CanReturnToStorage bool `json:"can_return_to_storage"`
}

func (h *Handlers) GetShelf(w http.ResponseWriter, r *http.Request) {
	shelfID := r.URL.Query().Get("shelf_id")
	id, ok := h.store.ResolveShelf(shelfID)
	if !ok {
		sendError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("shelf %s not found", shelfID))
		return
	}
	shelf, _ := h.store.Shelf(id)
	sendSuccess(w, http.StatusOK, shelfDetail{
		Shelf:              shelf,
		AtStorage:          view.IsAtStorage(shelf, h.projector.Epsilon),
		CanReturnToStorage: view.CanReturnToStorage(h.store, shelf, h.projector.Epsilon),
	})
}

func (h *Handlers) RestoreShelf(w http.ResponseWriter, r *http.Request) {
	shelfID := r.URL.Query().Get("shelf_id")
	if shelfID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_SHELF_ID", "shelf_id is required")
		return
	}

	shelf, err := h.shelves.RestoreShelf(r.Context(), h.shelfKey(shelfID))
	if err != nil {
		sendServiceError(w, err, "RESTORE_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, shelf)
}

func (h *Handlers) DeleteShelf(w http.ResponseWriter, r *http.Request) {
	shelfID := r.URL.Query().Get("shelf_id")
	if shelfID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_SHELF_ID", "shelf_id is required")
		return
	}

	if err := h.shelves.DeleteShelf(r.Context(), h.shelfKey(shelfID)); err != nil {
		sendServiceError(w, err, "DELETE_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, map[string]string{"message": "Shelf deleted successfully"})
}

// storageRequest is the body of a storage change. Confirmed carries the
// user's answer to the permanent-change prompt.
type storageRequest struct {
	StorageX   *float64 `json:"storage_x"`
	StorageY   *float64 `json:"storage_y"`
	StorageYaw *float64 `json:"storage_yaw"`
	Confirmed  bool     `json:"confirmed"`
	Actor      string   `json:"actor"`
	Reason     string   `json:"reason"`
}

func (h *Handlers) SetShelfStorage(w http.ResponseWriter, r *http.Request) {
	shelfID := r.URL.Query().Get("shelf_id")
	if shelfID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_SHELF_ID", "shelf_id is required")
		return
	}

	var req storageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.StorageX == nil || req.StorageY == nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", "storage_x and storage_y are required")
		return
	}

	id := h.shelfKey(shelfID)
	patch := admin.StoragePatch{StorageX: *req.StorageX, StorageY: *req.StorageY}
	if req.StorageYaw != nil {
		patch.StorageYaw = *req.StorageYaw
	} else if shelf, ok := h.store.Shelf(id); ok {
		patch.StorageYaw = shelf.Storage.Yaw
	}

	intent := admin.Intent{Actor: req.Actor, Reason: req.Reason}
	if intent.Actor == "" {
		intent.Actor = r.Header.Get("X-Actor")
	}

	var prompt admin.Prompt
	confirm := admin.ConfirmFunc(func(_ context.Context, p admin.Prompt) (bool, error) {
		prompt = p
		return req.Confirmed, nil
	})

	shelf, err := h.shelves.SetStorage(r.Context(), id, patch, intent, confirm)
	if err != nil {
		if errors.Is(err, admin.ErrNotConfirmed) {
			message := err.Error()
			if prompt.Message != "" {
				message = prompt.Message
			}
			sendError(w, http.StatusPreconditionRequired, "CONFIRMATION_REQUIRED", message)
			return
		}
		sendServiceError(w, err, "SET_STORAGE_FAILED")
		return
	}

	h.metrics.StorageChanged()
	sendSuccess(w, http.StatusOK, shelf)
}

func (h *Handlers) GetStorageHistory(w http.ResponseWriter, r *http.Request) {
	shelfID := r.URL.Query().Get("shelf_id")
	if shelfID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_SHELF_ID", "shelf_id is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.shelves.StorageHistory(r.Context(), h.shelfKey(shelfID), limit)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "HISTORY_FAILED", err.Error())
		return
	}

	sendSuccess(w, http.StatusOK, history)
}

// shelfKey maps a display alias to the store id, passing unknown values through.
func (h *Handlers) shelfKey(shelfID string) string {
	if id, ok := h.store.ResolveShelf(shelfID); ok {
		return id
	}
	return shelfID
}

// Task handlers
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := collect(h.store.Tasks())
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if strings.EqualFold(string(t.Status), status) {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	sendSuccess(w, http.StatusOK, tasks)
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	task, ok := h.store.Task(taskID)
	if !ok {
		sendError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("task %s not found", taskID))
		return
	}
	sendSuccess(w, http.StatusOK, task)
}

func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req ontology.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	task, err := h.tasks.CreateTask(r.Context(), req)
	if err != nil {
		sendServiceError(w, err, "CREATE_FAILED")
		return
	}

	sendSuccess(w, http.StatusCreated, task)
}

func (h *Handlers) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_TASK_ID", "task_id is required")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	task, err := h.tasks.UpdateTaskStatus(r.Context(), taskID, req.Status)
	if err != nil {
		sendServiceError(w, err, "UPDATE_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, task)
}

func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_TASK_ID", "task_id is required")
		return
	}

	if err := h.tasks.DeleteTask(r.Context(), taskID); err != nil {
		sendServiceError(w, err, "DELETE_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, map[string]string{"message": "Task deleted successfully"})
}

// Zone handlers
func (h *Handlers) ListZones(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, collect(h.store.Zones()))
}

// Health check
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	state := h.connectionState()
	health := shared.HealthStatus{
		Status:     "healthy",
		Service:    "warehouse-overwatch",
		Uptime:     time.Since(h.startedAt).Round(time.Second).String(),
		Connection: string(state),
		Timestamp:  time.Now(),
		Details:    make(map[string]string),
	}

	// Check database
	if h.db != nil {
		if err := h.db.Health(); err != nil {
			health.Status = "unhealthy"
			health.Details["database"] = "unhealthy: " + err.Error()
		} else {
			health.Details["database"] = "healthy"
		}
	}

	// Check NATS
	if h.nats != nil {
		if err := h.nats.HealthCheck(); err != nil {
			health.Status = "unhealthy"
			health.Details["nats"] = "unhealthy: " + err.Error()
		} else {
			health.Details["nats"] = "healthy"
		}
	}

	// The view still serves the last reconciled state while the push channel is down.
	if state != connection.Connected {
		health.Details["connection"] = strings.ToLower(string(state))
		if health.Status == "healthy" {
			health.Status = "degraded"
		}
	} else {
		health.Details["connection"] = "healthy"
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	sendSuccess(w, statusCode, health)
}

// Helper functions
func sendSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: true,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, code, message string) {
	sendErrorDetails(w, statusCode, code, message, nil)
}

func sendErrorDetails(w http.ResponseWriter, statusCode int, code, message string, details []shared.FieldDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: false,
		Error: &shared.Error{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// sendServiceError maps command failures to responses. Backend client errors
// pass through with their field details; other backend failures become 502.
func sendServiceError(w http.ResponseWriter, err error, code string) {
	var apiErr *backend.APIError
	switch {
	case backend.IsNotFound(err):
		errors.As(err, &apiErr)
		sendError(w, http.StatusNotFound, "NOT_FOUND", apiErr.Message)
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			sendErrorDetails(w, apiErr.StatusCode, "BACKEND_REJECTED", apiErr.Message, apiErr.Details)
			return
		}
		sendError(w, http.StatusBadGateway, "BACKEND_ERROR", err.Error())
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, admin.ErrNoIntent),
		errors.Is(err, admin.ErrInvalidPose):
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, admin.ErrUnknownShelf), errors.Is(err, store.ErrUnknownEntity):
		sendError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		sendError(w, http.StatusBadGateway, code, err.Error())
	}
}

func collect[T any](seq iter.Seq[T]) []T {
	out := []T{}
	for v := range seq {
		out = append(out, v)
	}
	return out
}

// RegisterRoutes sets up all API routes
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	// Health check and metrics (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)
	mux.Handle("/metrics", h.metrics.Handler())

	mux.HandleFunc("/api/v1/view", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			middleware.BearerAuth(h.GetView)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/connection", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			middleware.BearerAuth(h.GetConnection)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	// Robot endpoints
	mux.HandleFunc("/api/v1/robots", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("robot_id") != "" {
				middleware.BearerAuth(h.GetRobot)(w, r)
			} else {
				middleware.BearerAuth(h.ListRobots)(w, r)
			}
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	// Shelf endpoints
	mux.HandleFunc("/api/v1/shelves", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("shelf_id") != "" {
				middleware.BearerAuth(h.GetShelf)(w, r)
			} else {
				middleware.BearerAuth(h.ListShelves)(w, r)
			}
		case http.MethodDelete:
			middleware.BearerAuth(h.DeleteShelf)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/shelves/restore", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.BearerAuth(h.RestoreShelf)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/shelves/storage", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			middleware.BearerAuth(h.GetStorageHistory)(w, r)
		case http.MethodPut:
			middleware.BearerAuth(h.SetShelfStorage)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	// Task endpoints
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.BearerAuth(h.CreateTask)(w, r)
		case http.MethodGet:
			if r.URL.Query().Get("task_id") != "" {
				middleware.BearerAuth(h.GetTask)(w, r)
			} else {
				middleware.BearerAuth(h.ListTasks)(w, r)
			}
		case http.MethodPut:
			middleware.BearerAuth(h.UpdateTaskStatus)(w, r)
		case http.MethodDelete:
			middleware.BearerAuth(h.DeleteTask)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	// Zone endpoints
	mux.HandleFunc("/api/v1/zones", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			middleware.BearerAuth(h.ListZones)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})
}
