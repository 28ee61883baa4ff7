package shared

import (
	"fmt"
	"strings"
)

// Push event types emitted by the backend
const (
	EventRobotUpdate    = "robot_update"
	EventRobotTelemetry = "robot_telemetry"
	EventRobotPosition  = "robot_position"

	EventShelfLocationUpdate = "shelf_location_update"
	EventShelfUpdate         = "shelf_update"
	EventShelfLocationFixed  = "shelf_location_fixed"

	EventTaskStatusChanged = "task_status_changed"
	EventTaskUpdate        = "task_update"
	EventTaskProgress      = "task_progress"

	EventMapSnapshot   = "map_snapshot"
	EventMapState      = "map_state"
	EventAllTasks      = "all_tasks"
	EventTasksSnapshot = "tasks_snapshot"
)

// Subscription control messages
const (
	TopicMap     = "subscribe_map"
	TopicShelves = "subscribe_shelves"
	TopicTasks   = "subscribe_tasks"
	TopicTask    = "subscribe_task" // task_id
)

// NATS subject patterns used by the NATS push transport
const (
	SubjectPrefix = "warehouse"

	SubjectRobotsAll      = "warehouse.robots.>"
	SubjectRobotTelemetry = "warehouse.robots.%s.telemetry" // robot_id
	SubjectShelvesAll     = "warehouse.shelves.>"
	SubjectShelfLocation  = "warehouse.shelves.%s.location" // shelf_id
	SubjectTasksAll       = "warehouse.tasks.>"
	SubjectTaskAll        = "warehouse.tasks.%s.>"      // task_id
	SubjectTaskStatus     = "warehouse.tasks.%s.status" // task_id
	SubjectMapSnapshot    = "warehouse.map.snapshot"
	SubjectTasksSnapshot  = "warehouse.tasks.snapshot"
)

// In-process bus topics
const (
	BusConnectionState = "connection.state"
	BusStoreChanged    = "store.changed"
)

// UnsubscribeName maps a subscribe control name to its unsubscribe counterpart.
func UnsubscribeName(topic string) string {
	if rest, ok := strings.CutPrefix(topic, "subscribe_"); ok && rest != "" {
		return "unsubscribe_" + rest
	}
	return "unsubscribe"
}

// Helper functions to generate subjects
func RobotTelemetrySubject(robotID string) string {
	return fmt.Sprintf(SubjectRobotTelemetry, robotID)
}

func ShelfLocationSubject(shelfID string) string {
	return fmt.Sprintf(SubjectShelfLocation, shelfID)
}

func TaskAllSubject(taskID string) string {
	return fmt.Sprintf(SubjectTaskAll, taskID)
}

func TaskStatusSubject(taskID string) string {
	return fmt.Sprintf(SubjectTaskStatus, taskID)
}
