package ontology

// Zone is a named reference point (drop zone, charging spot). Static data.
type Zone struct {
	ID     string  `json:"id"`
	ZoneID string  `json:"zone_id,omitempty"`
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Yaw    float64 `json:"yaw"`
}

func (z Zone) Pose() Pose {
	return Pose{X: z.X, Y: z.Y, Yaw: z.Yaw}
}
