// Package normalize maps the backend's alias-heavy payloads onto typed,
// optional-field patches. It never produces a storage patch.
package normalize

import (
	"math"
	"strings"

	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/shared"
)

var (
	robotIDKeys    = []string{"id", "robot_id", "robotId", "robot"}
	shelfIDKeys    = []string{"id", "shelf_id", "shelfId", "shelf"}
	taskIDKeys     = []string{"id", "task_id", "taskId"}
	zoneIDKeys     = []string{"id", "zone_id", "zoneId"}
	yawKeys        = []string{"yaw", "theta", "orientation"}
	yawDegreeKeys  = []string{"yaw_deg", "yawDeg"}
	taskStatusKeys = []string{"status", "new_status", "task_status", "newStatus"}
)

type Options struct {
	// YawUnit is the unit the source sends yaw in: shared.YawRadians (default)
	// or shared.YawDegrees. Output is always radians.
	YawUnit string
}

type Normalizer struct {
	degrees bool
}

func New(opts Options) *Normalizer {
	return &Normalizer{degrees: strings.EqualFold(opts.YawUnit, shared.YawDegrees)}
}

// RobotUpdate is a normalized robot payload. Keys holds every identifier
// found, for store resolution; Record is set only when a primary id is present.
type RobotUpdate struct {
	Keys   []string
	Patch  ontology.RobotPatch
	Record *ontology.Robot
}

// ShelfUpdate is a normalized shelf payload. Record includes the storage pose
// and is only used on insert and bulk paths.
type ShelfUpdate struct {
	Keys   []string
	Patch  ontology.ShelfPatch
	Record *ontology.Shelf
}

type TaskUpdate struct {
	Keys   []string
	Patch  ontology.TaskPatch
	Record *ontology.Task
}

func (n *Normalizer) yaw(rec shared.Record) *float64 {
	if deg, ok := firstNumber(rec, yawDegreeKeys...); ok {
		v := deg * math.Pi / 180
		return &v
	}
	v, ok := firstNumber(rec, yawKeys...)
	if !ok {
		return nil
	}
	if n.degrees {
		v = v * math.Pi / 180
	}
	return &v
}

// pose reads flat axis keys first and falls back to the first nested object
// found under nested.
func (n *Normalizer) pose(rec shared.Record, xKeys, yKeys []string, nested ...string) partialPose {
	p := partialPose{
		X:   numberPtr(rec, xKeys...),
		Y:   numberPtr(rec, yKeys...),
		Yaw: n.yaw(rec),
	}
	if inner, ok := object(rec, nested...); ok {
		if p.X == nil {
			p.X = numberPtr(inner, "x")
		}
		if p.Y == nil {
			p.Y = numberPtr(inner, "y")
		}
		if p.Yaw == nil {
			p.Yaw = n.yaw(inner)
		}
	}
	return p
}

// prefixedPose reads <prefix>_x style keys plus a nested <prefix> object. Yaw
// is only taken from prefixed keys so a sibling pose's yaw never leaks in.
func (n *Normalizer) prefixedPose(rec shared.Record, snake, camel string) partialPose {
	p := partialPose{
		X: numberPtr(rec, snake+"_x", camel+"X"),
		Y: numberPtr(rec, snake+"_y", camel+"Y"),
	}
	if deg, ok := firstNumber(rec, snake+"_yaw_deg"); ok {
		v := deg * math.Pi / 180
		p.Yaw = &v
	} else if v, ok := firstNumber(rec, snake+"_yaw", camel+"Yaw"); ok {
		if n.degrees {
			v = v * math.Pi / 180
		}
		p.Yaw = &v
	}
	if inner, ok := object(rec, snake, camel); ok {
		if p.X == nil {
			p.X = numberPtr(inner, "x")
		}
		if p.Y == nil {
			p.Y = numberPtr(inner, "y")
		}
		if p.Yaw == nil {
			p.Yaw = n.yaw(inner)
		}
	}
	return p
}

// Robot normalizes a robot payload from any source.
func (n *Normalizer) Robot(rec shared.Record) RobotUpdate {
	var u RobotUpdate
	if rec == nil {
		return u
	}
	u.Keys = allText(rec, append(robotIDKeys, "name")...)

	pos := n.pose(rec,
		[]string{"x", "position_x", "positionX", "current_x", "currentX"},
		[]string{"y", "position_y", "positionY", "current_y", "currentY"},
		"position", "pose")
	u.Patch = ontology.RobotPatch{
		PositionX:   pos.X,
		PositionY:   pos.Y,
		Yaw:         pos.Yaw,
		Battery:     numberPtr(rec, "battery", "battery_level", "batteryLevel"),
		CPU:         numberPtr(rec, "cpu", "cpu_usage", "cpuUsage"),
		RAM:         numberPtr(rec, "ram", "ram_usage", "ramUsage", "memory_usage"),
		Temperature: numberPtr(rec, "temperature", "temp"),
	}
	if raw, ok := firstText(rec, "status", "robot_status"); ok {
		if st, err := ontology.ParseRobotStatus(raw); err == nil {
			u.Patch.Status = &st
		}
	}

	id, ok := firstText(rec, robotIDKeys...)
	if !ok {
		return u
	}
	// Until a status is reported the robot is shown as offline.
	r := ontology.Robot{ID: id, Status: ontology.RobotOffline}
	r.RobotID, _ = firstText(rec, "robot_id", "robotId")
	r.Name, _ = firstText(rec, "name")
	u.Patch.Apply(&r)
	u.Record = &r
	return u
}

// Shelf normalizes a shelf payload. The patch only ever carries current
// position and status; storage appears only in Record.
func (n *Normalizer) Shelf(rec shared.Record) ShelfUpdate {
	var u ShelfUpdate
	if rec == nil {
		return u
	}
	u.Keys = allText(rec, append(shelfIDKeys, "name")...)

	cur := n.currentPose(rec)
	u.Patch = ontology.ShelfPatch{
		CurrentX:   cur.X,
		CurrentY:   cur.Y,
		CurrentYaw: cur.Yaw,
	}
	if raw, ok := firstText(rec, "location_status", "locationStatus"); ok {
		if ls, err := ontology.ParseLocationStatus(raw); err == nil {
			u.Patch.LocationStatus = &ls
		}
	}
	if b, ok := firstBool(rec, "available", "is_available", "isAvailable"); ok {
		u.Patch.Available = &b
	}
	if raw, ok := firstText(rec, "status", "shelf_status"); ok {
		if st, err := ontology.ParseShelfStatus(raw); err == nil {
			u.Patch.Status = &st
		}
	}

	// Storage is never guessed, so a record without a full storage pose
	// cannot seed a new shelf.
	id, ok := firstText(rec, shelfIDKeys...)
	storage := n.prefixedPose(rec, "storage", "storage")
	if !ok || !storage.complete() {
		return u
	}
	sh := ontology.Shelf{ID: id, Available: true}
	sh.ShelfID, _ = firstText(rec, "shelf_id", "shelfId")
	sh.Name, _ = firstText(rec, "name")
	sh.Storage = storage.pose()
	u.Patch.Apply(&sh)
	// A record without a live position sits at its storage.
	if cur.empty() {
		sh.Current = sh.Storage
	}
	u.Record = &sh
	return u
}

func (n *Normalizer) currentPose(rec shared.Record) partialPose {
	cur := n.prefixedPose(rec, "current", "current")
	if cur.X == nil {
		cur.X = numberPtr(rec, "x")
	}
	if cur.Y == nil {
		cur.Y = numberPtr(rec, "y")
	}
	if cur.Yaw == nil {
		cur.Yaw = n.yaw(rec)
	}
	return cur
}

// Task normalizes a task payload or a task status-change event.
func (n *Normalizer) Task(rec shared.Record) TaskUpdate {
	var u TaskUpdate
	if rec == nil {
		return u
	}
	u.Keys = allText(rec, taskIDKeys...)

	if raw, ok := firstText(rec, taskStatusKeys...); ok {
		if st, err := ontology.ParseTaskStatus(raw); err == nil {
			u.Patch.Status = &st
		}
	}
	if robot, ok := firstText(rec, "robot_id", "robotId", "assigned_robot_id"); ok {
		u.Patch.RobotID = &robot
	}
	if p, ok := firstNumber(rec, "progress", "progress_percent"); ok {
		if p > 1 && p <= 100 {
			p /= 100
		}
		if p >= 0 && p <= 1 {
			u.Patch.Progress = &p
		}
	}

	id, ok := firstText(rec, taskIDKeys...)
	if !ok {
		return u
	}
	t := ontology.Task{ID: id}
	if raw, ok := firstText(rec, "type", "task_type", "taskType"); ok {
		if tt, err := ontology.ParseTaskType(raw); err == nil {
			t.Type = tt
		}
	}
	t.ShelfID, _ = firstText(rec, "shelf_id", "shelfId")
	t.DropZoneID, _ = firstText(rec, "drop_zone_id", "dropZoneId")
	t.TargetShelfID, _ = firstText(rec, "target_shelf_id", "targetShelfId")
	t.TargetZoneID, _ = firstText(rec, "target_zone_id", "targetZoneId")
	t.Pickup = n.optionalPose(rec, "pickup", "pickup")
	t.Drop = n.optionalPose(rec, "drop", "drop")
	t.OriginStorage = n.optionalPose(rec, "origin_storage", "originStorage")
	if ts, ok := timestamp(rec, "created_at", "createdAt"); ok {
		t.CreatedAt = ts
	}
	u.Patch.Apply(&t)
	u.Record = &t
	return u
}

func (n *Normalizer) optionalPose(rec shared.Record, snake, camel string) *ontology.Pose {
	p := n.prefixedPose(rec, snake, camel)
	if !p.complete() {
		return nil
	}
	pose := p.pose()
	return &pose
}

// Zone normalizes static zone data. Zones without an id or a position are rejected.
func (n *Normalizer) Zone(rec shared.Record) (ontology.Zone, bool) {
	id, ok := firstText(rec, zoneIDKeys...)
	if !ok {
		return ontology.Zone{}, false
	}
	p := n.pose(rec, []string{"x", "position_x"}, []string{"y", "position_y"}, "position", "pose")
	if !p.complete() {
		return ontology.Zone{}, false
	}
	z := ontology.Zone{ID: id, X: *p.X, Y: *p.Y}
	if p.Yaw != nil {
		z.Yaw = *p.Yaw
	}
	z.ZoneID, _ = firstText(rec, "zone_id", "zoneId")
	z.Name, _ = firstText(rec, "name")
	return z, true
}

// Progress is the embedded state carried by a task progress event.
type Progress struct {
	Task  TaskUpdate
	Robot *RobotUpdate
	Shelf *ShelfUpdate
}

// TaskProgress splits a task progress event into the task patch and, when
// present, the robot pose and shelf current position it reports.
func (n *Normalizer) TaskProgress(rec shared.Record) Progress {
	out := Progress{Task: n.Task(rec)}

	if robotID, ok := firstText(rec, "robot_id", "robotId", "robot"); ok {
		pose := n.prefixedPose(rec, "robot_position", "robotPosition")
		if pose.empty() {
			pose = n.prefixedPose(rec, "robot", "robot")
		}
		if !pose.empty() {
			out.Robot = &RobotUpdate{
				Keys:  []string{robotID},
				Patch: ontology.RobotPatch{PositionX: pose.X, PositionY: pose.Y, Yaw: pose.Yaw},
			}
		}
	}
	if shelfID, ok := firstText(rec, "shelf_id", "shelfId"); ok {
		pose := n.prefixedPose(rec, "shelf_position", "shelfPosition")
		if pose.empty() {
			pose = n.prefixedPose(rec, "shelf_current", "shelfCurrent")
		}
		patch := ontology.ShelfPatch{CurrentX: pose.X, CurrentY: pose.Y, CurrentYaw: pose.Yaw}
		if raw, ok := firstText(rec, "shelf_location_status", "location_status"); ok {
			if ls, err := ontology.ParseLocationStatus(raw); err == nil {
				patch.LocationStatus = &ls
			}
		}
		if !patch.IsEmpty() {
			out.Shelf = &ShelfUpdate{Keys: []string{shelfID}, Patch: patch}
		}
	}
	return out
}
