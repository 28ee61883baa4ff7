// Package view derives render-ready values from the entity store: canvas
// percent positions, status colours, derived shelf facts and aggregates. It
// never writes to the store.
package view

import (
	"iter"
	"math"
	"time"

	"warehouse-overwatch/pkg/ontology"
)

// Source is the read side of the entity store.
type Source interface {
	Robots() iter.Seq[ontology.Robot]
	Shelves() iter.Seq[ontology.Shelf]
	Tasks() iter.Seq[ontology.Task]
	Zones() iter.Seq[ontology.Zone]
}

// Bounds is the map area, in backend units, that the canvas shows.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// DefaultEpsilon is the distance under which a shelf counts as at storage.
const DefaultEpsilon = 0.01

type Projector struct {
	Bounds  Bounds
	Epsilon float64
}

func NewProjector(b Bounds, epsilon float64) *Projector {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Projector{Bounds: b, Epsilon: epsilon}
}

// Point is a position as a percentage of the canvas. Top grows downward, so
// the y axis is flipped.
type Point struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

func (p *Projector) Point(x, y float64) Point {
	return Point{
		Left: percent(x, p.Bounds.MinX, p.Bounds.MaxX),
		Top:  100 - percent(y, p.Bounds.MinY, p.Bounds.MaxY),
	}
}

func percent(v, lo, hi float64) float64 {
	if hi <= lo || math.IsNaN(v) {
		return 50
	}
	return clamp((v-lo)/(hi-lo)*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

type RobotView struct {
	ontology.Robot
	Position   Point   `json:"position"`
	HeadingDeg float64 `json:"heading_deg"`
	Color      string  `json:"color"`
	TaskID     string  `json:"task_id,omitempty"`
}

type ShelfView struct {
	ontology.Shelf
	Position           Point  `json:"position"`
	StoragePosition    Point  `json:"storage_position"`
	AtStorage          bool   `json:"at_storage"`
	CanReturnToStorage bool   `json:"can_return_to_storage"`
	Color              string `json:"color"`
	TaskID             string `json:"task_id,omitempty"`
}

type TaskView struct {
	ontology.Task
	Color         string  `json:"color"`
	Active        bool    `json:"active"`
	ProgressShare float64 `json:"progress_share"`
}

type ZoneView struct {
	ontology.Zone
	Position Point `json:"position"`
}

type Stats struct {
	Robots           int            `json:"robots"`
	Shelves          int            `json:"shelves"`
	Tasks            int            `json:"tasks"`
	Zones            int            `json:"zones"`
	RobotsByStatus   map[string]int `json:"robots_by_status"`
	ShelvesByStatus  map[string]int `json:"shelves_by_location_status"`
	TasksByStatus    map[string]int `json:"tasks_by_status"`
	ActiveTasks      int            `json:"active_tasks"`
	TerminalTasks    int            `json:"terminal_tasks"`
	AvailableShelves int            `json:"available_shelves"`
	ShelvesAwayHome  int            `json:"shelves_away_from_storage"`
	AverageBattery   float64        `json:"average_battery"`
}

type View struct {
	Connection  string      `json:"connection"`
	Bounds      Bounds      `json:"bounds"`
	Robots      []RobotView `json:"robots"`
	Shelves     []ShelfView `json:"shelves"`
	Tasks       []TaskView  `json:"tasks"`
	Zones       []ZoneView  `json:"zones"`
	Stats       Stats       `json:"stats"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// Project builds the full view. connection is the push channel state shown
// in the status indicator.
func (p *Projector) Project(src Source, connection string) View {
	v := View{
		Connection:  connection,
		Bounds:      p.Bounds,
		Robots:      []RobotView{},
		Shelves:     []ShelfView{},
		Tasks:       []TaskView{},
		Zones:       []ZoneView{},
		GeneratedAt: time.Now().UTC(),
		Stats: Stats{
			RobotsByStatus:  map[string]int{},
			ShelvesByStatus: map[string]int{},
			TasksByStatus:   map[string]int{},
		},
	}

	robotTask := map[string]string{}
	shelfTask := map[string]string{}
	for t := range src.Tasks() {
		active := t.IsActive()
		v.Tasks = append(v.Tasks, TaskView{
			Task:          t,
			Color:         TaskColor(t.Status),
			Active:        active,
			ProgressShare: taskProgress(t),
		})
		v.Stats.TasksByStatus[string(t.Status)]++
		if !active {
			v.Stats.TerminalTasks++
			continue
		}
		v.Stats.ActiveTasks++
		if t.RobotID != "" {
			robotTask[t.RobotID] = t.ID
		}
		for _, id := range []string{t.ShelfID, t.TargetShelfID} {
			if id != "" {
				shelfTask[id] = t.ID
			}
		}
	}

	var battery float64
	for r := range src.Robots() {
		v.Robots = append(v.Robots, RobotView{
			Robot:      r,
			Position:   p.Point(r.X, r.Y),
			HeadingDeg: r.Yaw * 180 / math.Pi,
			Color:      RobotColor(r.Status),
			TaskID:     robotTask[r.ID],
		})
		v.Stats.RobotsByStatus[string(r.Status)]++
		battery += r.BatteryLevel
	}

	for sh := range src.Shelves() {
		taskID := shelfTask[sh.ID]
		at := IsAtStorage(sh, p.Epsilon)
		v.Shelves = append(v.Shelves, ShelfView{
			Shelf:              sh,
			Position:           p.Point(sh.Current.X, sh.Current.Y),
			StoragePosition:    p.Point(sh.Storage.X, sh.Storage.Y),
			AtStorage:          at,
			CanReturnToStorage: !at && sh.LocationStatus != ontology.LocationInTransit && taskID == "",
			Color:              LocationColor(sh.LocationStatus),
			TaskID:             taskID,
		})
		v.Stats.ShelvesByStatus[string(sh.LocationStatus)]++
		if sh.Available {
			v.Stats.AvailableShelves++
		}
		if !at {
			v.Stats.ShelvesAwayHome++
		}
	}

	for z := range src.Zones() {
		v.Zones = append(v.Zones, ZoneView{Zone: z, Position: p.Point(z.X, z.Y)})
	}

	v.Stats.Robots = len(v.Robots)
	v.Stats.Shelves = len(v.Shelves)
	v.Stats.Tasks = len(v.Tasks)
	v.Stats.Zones = len(v.Zones)
	if len(v.Robots) > 0 {
		v.Stats.AverageBattery = battery / float64(len(v.Robots))
	}
	return v
}

// IsAtStorage reports whether the shelf's live position matches its storage
// position within eps on both axes.
func IsAtStorage(sh ontology.Shelf, eps float64) bool {
	return math.Abs(sh.Current.X-sh.Storage.X) <= eps && math.Abs(sh.Current.Y-sh.Storage.Y) <= eps
}

// CanReturnToStorage reports whether a return-to-storage action makes sense
// for sh given the tasks in src.
func CanReturnToStorage(src Source, sh ontology.Shelf, eps float64) bool {
	if IsAtStorage(sh, eps) || sh.LocationStatus == ontology.LocationInTransit {
		return false
	}
	for t := range src.Tasks() {
		if t.IsActive() && (t.ShelfID == sh.ID || t.TargetShelfID == sh.ID) {
			return false
		}
	}
	return true
}

func taskProgress(t ontology.Task) float64 {
	if t.Progress != nil {
		return clamp(*t.Progress, 0, 1)
	}
	return t.Status.Progress()
}
