package ontology

import (
	"fmt"
	"strings"
)

// Pose is a planar position in the backend's native unit (meters) with yaw in radians.
type Pose struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

type RobotStatus string

const (
	RobotIdle     RobotStatus = "IDLE"
	RobotBusy     RobotStatus = "BUSY"
	RobotCharging RobotStatus = "CHARGING"
	RobotOffline  RobotStatus = "OFFLINE"
	RobotError    RobotStatus = "ERROR"
)

var robotStatuses = []RobotStatus{RobotIdle, RobotBusy, RobotCharging, RobotOffline, RobotError}

func ParseRobotStatus(raw string) (RobotStatus, error) {
	v := RobotStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range robotStatuses {
		if s == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown robot status %q", raw)
}

type Robot struct {
	ID           string      `json:"id"`
	RobotID      string      `json:"robot_id,omitempty"`
	Name         string      `json:"name,omitempty"`
	X            float64     `json:"x"`
	Y            float64     `json:"y"`
	Yaw          float64     `json:"yaw"`
	CPUUsage     float64     `json:"cpu_usage"`
	RAMUsage     float64     `json:"ram_usage"`
	BatteryLevel float64     `json:"battery_level"`
	Temperature  float64     `json:"temperature"`
	Status       RobotStatus `json:"status"`
}

// RobotPatch is a partial robot update. Nil fields are left untouched by a merge.
type RobotPatch struct {
	PositionX   *float64     `json:"position_x,omitempty"`
	PositionY   *float64     `json:"position_y,omitempty"`
	Yaw         *float64     `json:"yaw,omitempty"`
	Battery     *float64     `json:"battery,omitempty"`
	CPU         *float64     `json:"cpu,omitempty"`
	RAM         *float64     `json:"ram,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Status      *RobotStatus `json:"status,omitempty"`
}

func (p RobotPatch) IsEmpty() bool {
	return p.PositionX == nil && p.PositionY == nil && p.Yaw == nil &&
		p.Battery == nil && p.CPU == nil && p.RAM == nil &&
		p.Temperature == nil && p.Status == nil
}

// Apply merges the patch onto r field by field.
func (p RobotPatch) Apply(r *Robot) {
	if p.PositionX != nil {
		r.X = *p.PositionX
	}
	if p.PositionY != nil {
		r.Y = *p.PositionY
	}
	if p.Yaw != nil {
		r.Yaw = *p.Yaw
	}
	if p.Battery != nil {
		r.BatteryLevel = *p.Battery
	}
	if p.CPU != nil {
		r.CPUUsage = *p.CPU
	}
	if p.RAM != nil {
		r.RAMUsage = *p.RAM
	}
	if p.Temperature != nil {
		r.Temperature = *p.Temperature
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
}
