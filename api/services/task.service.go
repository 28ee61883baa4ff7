package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/services/connection"
	"warehouse-overwatch/pkg/shared"
)

// ErrInvalidRequest marks a request rejected before reaching the backend.
var ErrInvalidRequest = errors.New("invalid request")

type TaskBackend interface {
	CreateTask(ctx context.Context, req ontology.CreateTaskRequest) (shared.Record, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status ontology.TaskStatus) (shared.Record, error)
	DeleteTask(ctx context.Context, taskID string) error
}

// TaskApplier writes command results into the entity store.
type TaskApplier interface {
	ApplyTask(rec shared.Record, origin *ontology.Pose) (ontology.Task, error)
	Remove(kind, id string) bool
}

// Subscriber manages push subscriptions. *connection.Manager satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, t connection.Topic) error
	Unsubscribe(ctx context.Context, t connection.Topic) error
}

type ShelfLookup interface {
	ResolveShelf(keys ...string) (string, bool)
	Shelf(id string) (ontology.Shelf, bool)
}

type TaskService struct {
	backend TaskBackend
	applier TaskApplier
	shelves ShelfLookup
	subs    Subscriber
	logger  shared.Logger
}

// NewTaskService builds the task command service. subs may be nil.
func NewTaskService(backend TaskBackend, applier TaskApplier, shelves ShelfLookup, subs Subscriber, logger shared.Logger) *TaskService {
	if logger == nil {
		logger = log.Default()
	}
	return &TaskService{
		backend: backend,
		applier: applier,
		shelves: shelves,
		subs:    subs,
		logger:  logger,
	}
}

// CreateTask asks the backend for a new task, records the shelf's storage
// position at this moment as the task's origin, and subscribes to the task's
// updates.
func (s *TaskService) CreateTask(ctx context.Context, req ontology.CreateTaskRequest) (ontology.Task, error) {
	req.Type = ontology.TaskType(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	if err := req.Validate(); err != nil {
		return ontology.Task{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var origin *ontology.Pose
	if id, ok := s.shelves.ResolveShelf(req.ShelfID); ok {
		if sh, ok := s.shelves.Shelf(id); ok {
			storage := sh.Storage
			origin = &storage
		}
	}

	rec, err := s.backend.CreateTask(ctx, req)
	if err != nil {
		return ontology.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	task, err := s.applier.ApplyTask(rec, origin)
	if err != nil {
		return ontology.Task{}, fmt.Errorf("failed to apply created task: %w", err)
	}

	if s.subs != nil {
		if err := s.subs.Subscribe(ctx, connection.TaskTopic(task.ID)); err != nil {
			s.logger.Printf("[TaskService] failed to subscribe to task %s: %v", task.ID, err)
		}
	}
	s.logger.Printf("[TaskService] created %s task %s for shelf %s", task.Type, task.ID, req.ShelfID)
	return task, nil
}

func (s *TaskService) UpdateTaskStatus(ctx context.Context, taskID, status string) (ontology.Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ontology.Task{}, fmt.Errorf("%w: task_id is required", ErrInvalidRequest)
	}
	st, err := ontology.ParseTaskStatus(status)
	if err != nil {
		return ontology.Task{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	rec, err := s.backend.UpdateTaskStatus(ctx, taskID, st)
	if err != nil {
		return ontology.Task{}, fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	if rec == nil {
		rec = shared.Record{"id": taskID, "status": string(st)}
	}
	task, err := s.applier.ApplyTask(rec, nil)
	if err != nil {
		return ontology.Task{}, fmt.Errorf("failed to apply task %s: %w", taskID, err)
	}
	if st.IsTerminal() {
		s.unsubscribe(ctx, task.ID)
	}
	return task, nil
}

func (s *TaskService) DeleteTask(ctx context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidRequest)
	}
	if err := s.backend.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	s.applier.Remove(shared.KindTask, taskID)
	s.unsubscribe(ctx, taskID)
	return nil
}

func (s *TaskService) unsubscribe(ctx context.Context, taskID string) {
	if s.subs == nil {
		return
	}
	if err := s.subs.Unsubscribe(ctx, connection.TaskTopic(taskID)); err != nil {
		s.logger.Printf("[TaskService] failed to unsubscribe from task %s: %v", taskID, err)
	}
}
