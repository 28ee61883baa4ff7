package view

import "warehouse-overwatch/pkg/ontology"

const colorUnknown = "#9ca3af"

var robotColors = map[ontology.RobotStatus]string{
	ontology.RobotIdle:     "#22c55e",
	ontology.RobotBusy:     "#3b82f6",
	ontology.RobotCharging: "#f59e0b",
	ontology.RobotOffline:  "#6b7280",
	ontology.RobotError:    "#ef4444",
}

var locationColors = map[ontology.LocationStatus]string{
	ontology.LocationStored:              "#64748b",
	ontology.LocationInTransit:           "#3b82f6",
	ontology.LocationAtDropZone:          "#f59e0b",
	ontology.LocationDeliveredAtDropZone: "#10b981",
	ontology.LocationRestoredToStorage:   "#22c55e",
	ontology.LocationRepositioned:        "#8b5cf6",
	ontology.LocationRepositionedAtZone:  "#a855f7",
}

func RobotColor(s ontology.RobotStatus) string {
	if c, ok := robotColors[s]; ok {
		return c
	}
	return colorUnknown
}

func LocationColor(s ontology.LocationStatus) string {
	if c, ok := locationColors[s]; ok {
		return c
	}
	return colorUnknown
}

// TaskColor gives travel phases one colour and shelf handling another.
func TaskColor(s ontology.TaskStatus) string {
	switch s {
	case ontology.TaskPending:
		return "#94a3b8"
	case ontology.TaskAssigned, ontology.TaskMovingToPickup, ontology.TaskMovingToDrop, ontology.TaskMovingToReference:
		return "#3b82f6"
	case ontology.TaskArrivedAtPickup, ontology.TaskAttached, ontology.TaskArrivedAtDrop, ontology.TaskReleased:
		return "#f59e0b"
	case ontology.TaskCompleted:
		return "#22c55e"
	case ontology.TaskCancelled:
		return "#6b7280"
	case ontology.TaskError:
		return "#ef4444"
	}
	return colorUnknown
}
