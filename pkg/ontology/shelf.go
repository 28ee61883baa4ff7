package ontology

import (
	"fmt"
	"strings"
)

type LocationStatus string

const (
	LocationStored              LocationStatus = "STORED"
	LocationInTransit           LocationStatus = "IN_TRANSIT"
	LocationAtDropZone          LocationStatus = "AT_DROP_ZONE"
	LocationDeliveredAtDropZone LocationStatus = "DELIVERED_AT_DROP_ZONE"
	LocationRestoredToStorage   LocationStatus = "RESTORED_TO_STORAGE"
	LocationRepositioned        LocationStatus = "REPOSITIONED"
	LocationRepositionedAtZone  LocationStatus = "REPOSITIONED_AT_ZONE"
)

var locationStatuses = []LocationStatus{
	LocationStored,
	LocationInTransit,
	LocationAtDropZone,
	LocationDeliveredAtDropZone,
	LocationRestoredToStorage,
	LocationRepositioned,
	LocationRepositionedAtZone,
}

func ParseLocationStatus(raw string) (LocationStatus, error) {
	v := LocationStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range locationStatuses {
		if s == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown location status %q", raw)
}

type ShelfStatus string

const (
	ShelfIdle    ShelfStatus = "IDLE"
	ShelfBusy    ShelfStatus = "BUSY"
	ShelfError   ShelfStatus = "ERROR"
	ShelfOffline ShelfStatus = "OFFLINE"
)

func ParseShelfStatus(raw string) (ShelfStatus, error) {
	v := ShelfStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch v {
	case ShelfIdle, ShelfBusy, ShelfError, ShelfOffline:
		return v, nil
	}
	return "", fmt.Errorf("unknown shelf status %q", raw)
}

// Shelf carries two independent coordinate triples. Storage is the home position
// and only changes through an admin grant; Current is the live position.
type Shelf struct {
	ID             string         `json:"id"`
	ShelfID        string         `json:"shelf_id,omitempty"`
	Name           string         `json:"name,omitempty"`
	Storage        Pose           `json:"storage"`
	Current        Pose           `json:"current"`
	LocationStatus LocationStatus `json:"location_status"`
	Available      bool           `json:"available"`
	Status         ShelfStatus    `json:"status"`
}

// ShelfPatch is a partial shelf update. It has no storage fields: storage is
// written only through an admin grant.
type ShelfPatch struct {
	CurrentX       *float64        `json:"current_x,omitempty"`
	CurrentY       *float64        `json:"current_y,omitempty"`
	CurrentYaw     *float64        `json:"current_yaw,omitempty"`
	LocationStatus *LocationStatus `json:"location_status,omitempty"`
	Available      *bool           `json:"available,omitempty"`
	Status         *ShelfStatus    `json:"status,omitempty"`
}

func (p ShelfPatch) IsEmpty() bool {
	return p.CurrentX == nil && p.CurrentY == nil && p.CurrentYaw == nil &&
		p.LocationStatus == nil && p.Available == nil && p.Status == nil
}

func (p ShelfPatch) Apply(s *Shelf) {
	if p.CurrentX != nil {
		s.Current.X = *p.CurrentX
	}
	if p.CurrentY != nil {
		s.Current.Y = *p.CurrentY
	}
	if p.CurrentYaw != nil {
		s.Current.Yaw = *p.CurrentYaw
	}
	if p.LocationStatus != nil {
		s.LocationStatus = *p.LocationStatus
	}
	if p.Available != nil {
		s.Available = *p.Available
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
}
