package ontology

import (
	"fmt"
	"strings"
	"time"
)

type TaskType string

const (
	TaskPickupAndDeliver TaskType = "PICKUP_AND_DELIVER"
	TaskMoveShelf        TaskType = "MOVE_SHELF"
	TaskReturnShelf      TaskType = "RETURN_SHELF"
	TaskReposition       TaskType = "REPOSITION"
)

func ParseTaskType(raw string) (TaskType, error) {
	v := TaskType(strings.ToUpper(strings.TrimSpace(raw)))
	switch v {
	case TaskPickupAndDeliver, TaskMoveShelf, TaskReturnShelf, TaskReposition:
		return v, nil
	}
	return "", fmt.Errorf("unknown task type %q", raw)
}

type TaskStatus string

const (
	TaskPending           TaskStatus = "PENDING"
	TaskAssigned          TaskStatus = "ASSIGNED"
	TaskMovingToPickup    TaskStatus = "MOVING_TO_PICKUP"
	TaskArrivedAtPickup   TaskStatus = "ARRIVED_AT_PICKUP"
	TaskAttached          TaskStatus = "ATTACHED"
	TaskMovingToDrop      TaskStatus = "MOVING_TO_DROP"
	TaskArrivedAtDrop     TaskStatus = "ARRIVED_AT_DROP"
	TaskReleased          TaskStatus = "RELEASED"
	TaskMovingToReference TaskStatus = "MOVING_TO_REFERENCE"
	TaskCompleted         TaskStatus = "COMPLETED"
	TaskCancelled         TaskStatus = "CANCELLED"
	TaskError             TaskStatus = "ERROR"
)

// taskLifecycle lists the forward lifecycle in order.
var taskLifecycle = []TaskStatus{
	TaskPending,
	TaskAssigned,
	TaskMovingToPickup,
	TaskArrivedAtPickup,
	TaskAttached,
	TaskMovingToDrop,
	TaskArrivedAtDrop,
	TaskReleased,
	TaskMovingToReference,
	TaskCompleted,
}

func ParseTaskStatus(raw string) (TaskStatus, error) {
	v := TaskStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if v == TaskCancelled || v == TaskError {
		return v, nil
	}
	for _, s := range taskLifecycle {
		if s == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", raw)
}

// Rank returns the position of s in the forward lifecycle, or -1 for CANCELLED,
// ERROR and unknown values.
func (s TaskStatus) Rank() int {
	for i, v := range taskLifecycle {
		if v == s {
			return i
		}
	}
	return -1
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskError
}

// Progress is the share of the forward lifecycle reached, in [0,1].
func (s TaskStatus) Progress() float64 {
	if s == TaskCompleted {
		return 1
	}
	r := s.Rank()
	if r < 0 {
		return 0
	}
	return float64(r) / float64(len(taskLifecycle)-1)
}

// Task is one unit of robot work. OriginStorage is the shelf's storage pose
// copied when the task was created and never follows later storage changes.
type Task struct {
	ID            string     `json:"id"`
	Type          TaskType   `json:"type"`
	Status        TaskStatus `json:"status"`
	RobotID       string     `json:"robot_id,omitempty"`
	ShelfID       string     `json:"shelf_id,omitempty"`
	DropZoneID    string     `json:"drop_zone_id,omitempty"`
	TargetShelfID string     `json:"target_shelf_id,omitempty"`
	TargetZoneID  string     `json:"target_zone_id,omitempty"`
	Pickup        *Pose      `json:"pickup,omitempty"`
	Drop          *Pose      `json:"drop,omitempty"`
	OriginStorage *Pose      `json:"origin_storage,omitempty"`
	Progress      *float64   `json:"progress,omitempty"`
	CreatedAt     time.Time  `json:"created_at,omitempty"`
}

func (t Task) IsActive() bool {
	return t.Status != "" && !t.Status.IsTerminal()
}

// Clone returns a copy that shares no pointers with t.
func (t Task) Clone() Task {
	out := t
	out.Pickup = clonePose(t.Pickup)
	out.Drop = clonePose(t.Drop)
	out.OriginStorage = clonePose(t.OriginStorage)
	if t.Progress != nil {
		v := *t.Progress
		out.Progress = &v
	}
	return out
}

func clonePose(p *Pose) *Pose {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type TaskPatch struct {
	Status   *TaskStatus `json:"status,omitempty"`
	RobotID  *string     `json:"robot_id,omitempty"`
	Progress *float64    `json:"progress,omitempty"`
}

func (p TaskPatch) IsEmpty() bool {
	return p.Status == nil && p.RobotID == nil && p.Progress == nil
}

func (p TaskPatch) Apply(t *Task) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.RobotID != nil {
		t.RobotID = *p.RobotID
	}
	if p.Progress != nil {
		v := *p.Progress
		t.Progress = &v
	}
}

type CreateTaskRequest struct {
	Type          TaskType `json:"type"`
	ShelfID       string   `json:"shelf_id"`
	RobotID       string   `json:"robot_id,omitempty"`
	DropZoneID    string   `json:"drop_zone_id,omitempty"`
	TargetShelfID string   `json:"target_shelf_id,omitempty"`
	TargetZoneID  string   `json:"target_zone_id,omitempty"`
}

func (r CreateTaskRequest) Validate() error {
	if _, err := ParseTaskType(string(r.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(r.ShelfID) == "" {
		return fmt.Errorf("shelf_id is required")
	}
	switch r.Type {
	case TaskPickupAndDeliver:
		if r.DropZoneID == "" {
			return fmt.Errorf("drop_zone_id is required for %s", r.Type)
		}
	case TaskReposition:
		if r.TargetShelfID == "" && r.TargetZoneID == "" {
			return fmt.Errorf("target_shelf_id or target_zone_id is required for %s", r.Type)
		}
	}
	return nil
}
