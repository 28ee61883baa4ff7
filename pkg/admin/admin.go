// Package admin implements the only path by which a shelf's storage (home)
// position may change: an explicit, user-initiated and confirmed action.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/shared"

	"github.com/google/uuid"
)

var (
	ErrNoIntent     = errors.New("storage change requires a user-initiated intent")
	ErrNotConfirmed = errors.New("storage change was not confirmed")
	ErrUnknownShelf = errors.New("shelf not found")
	ErrInvalidPose  = errors.New("storage pose must be finite")
)

// StoragePatch is the only shape able to describe a storage change.
type StoragePatch struct {
	StorageX   float64 `json:"storage_x"`
	StorageY   float64 `json:"storage_y"`
	StorageYaw float64 `json:"storage_yaw"`
}

func (p StoragePatch) Pose() ontology.Pose {
	return ontology.Pose{X: p.StorageX, Y: p.StorageY, Yaw: p.StorageYaw}
}

func (p StoragePatch) validate() error {
	for _, v := range []float64{p.StorageX, p.StorageY, p.StorageYaw} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidPose
		}
	}
	return nil
}

// Intent records who asked for the change. Automatic update paths have no actor.
type Intent struct {
	Actor  string
	Reason string
}

// Prompt is what the user is asked to acknowledge before a permanent change.
type Prompt struct {
	ShelfID  string        `json:"shelf_id"`
	Previous ontology.Pose `json:"previous"`
	Proposed ontology.Pose `json:"proposed"`
	Message  string        `json:"message"`
}

type Confirmer interface {
	Confirm(ctx context.Context, prompt Prompt) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt Prompt) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt Prompt) (bool, error) {
	return f(ctx, prompt)
}

// Grant authorizes exactly one storage write. Its fields are unexported so a
// confirmed grant can only be minted by Flow; the zero Grant is unconfirmed.
type Grant struct {
	id        string
	shelfID   string
	storage   ontology.Pose
	actor     string
	confirmed bool
	issuedAt  time.Time
}

func (g Grant) ID() string             { return g.id }
func (g Grant) ShelfID() string        { return g.shelfID }
func (g Grant) Storage() ontology.Pose { return g.storage }
func (g Grant) Actor() string          { return g.actor }
func (g Grant) Confirmed() bool        { return g.confirmed && g.id != "" && g.shelfID != "" }
func (g Grant) IssuedAt() time.Time    { return g.issuedAt }

// StorageSetter persists the change on the backend.
type StorageSetter interface {
	SetShelfStorage(ctx context.Context, shelfID string, pose ontology.Pose) (shared.Record, error)
}

// StorageWriter is the local entity store.
type StorageWriter interface {
	Shelf(id string) (ontology.Shelf, bool)
	SetShelfStorage(g Grant) (ontology.Shelf, error)
}

type AuditEntry struct {
	ID        string        `json:"id"`
	ShelfID   string        `json:"shelf_id"`
	Actor     string        `json:"actor"`
	Reason    string        `json:"reason,omitempty"`
	Previous  ontology.Pose `json:"previous"`
	Next      ontology.Pose `json:"next"`
	CreatedAt time.Time     `json:"created_at"`
}

type AuditRecorder interface {
	RecordStorageChange(ctx context.Context, entry AuditEntry) error
}

type Flow struct {
	backend StorageSetter
	store   StorageWriter
	audit   AuditRecorder
	logger  shared.Logger
	now     func() time.Time
}

// NewFlow builds the admin storage flow. audit may be nil.
func NewFlow(backend StorageSetter, store StorageWriter, audit AuditRecorder, logger shared.Logger) *Flow {
	if logger == nil {
		logger = log.Default()
	}
	return &Flow{
		backend: backend,
		store:   store,
		audit:   audit,
		logger:  logger,
		now:     time.Now,
	}
}

// SetStorage asks confirmer to acknowledge the permanent change, then writes it
// to the backend and the store. Any failure before the backend call leaves both
// untouched.
func (f *Flow) SetStorage(ctx context.Context, shelfID string, patch StoragePatch, intent Intent, confirmer Confirmer) (ontology.Shelf, error) {
	shelfID = strings.TrimSpace(shelfID)
	if strings.TrimSpace(intent.Actor) == "" {
		return ontology.Shelf{}, ErrNoIntent
	}
	if err := patch.validate(); err != nil {
		return ontology.Shelf{}, err
	}
	shelf, ok := f.store.Shelf(shelfID)
	if !ok {
		return ontology.Shelf{}, fmt.Errorf("%w: %s", ErrUnknownShelf, shelfID)
	}
	if confirmer == nil {
		return ontology.Shelf{}, ErrNotConfirmed
	}

	prompt := Prompt{
		ShelfID:  shelfID,
		Previous: shelf.Storage,
		Proposed: patch.Pose(),
		Message:  fmt.Sprintf("Permanently move the storage position of shelf %s. This cannot be undone by task execution.", shelfID),
	}
	confirmed, err := confirmer.Confirm(ctx, prompt)
	if err != nil {
		return ontology.Shelf{}, fmt.Errorf("%w: %v", ErrNotConfirmed, err)
	}
	if !confirmed {
		f.logger.Printf("[AdminFlow] storage change for shelf %s declined by %s", shelfID, intent.Actor)
		return ontology.Shelf{}, ErrNotConfirmed
	}

	if f.backend != nil {
		if _, err := f.backend.SetShelfStorage(ctx, shelfID, patch.Pose()); err != nil {
			return ontology.Shelf{}, fmt.Errorf("failed to set shelf storage: %w", err)
		}
	}

	grant := Grant{
		id:        uuid.New().String(),
		shelfID:   shelfID,
		storage:   patch.Pose(),
		actor:     intent.Actor,
		confirmed: true,
		issuedAt:  f.now().UTC(),
	}
	updated, err := f.store.SetShelfStorage(grant)
	if err != nil {
		return ontology.Shelf{}, err
	}

	if f.audit != nil {
		entry := AuditEntry{
			ID:        grant.id,
			ShelfID:   shelfID,
			Actor:     intent.Actor,
			Reason:    intent.Reason,
			Previous:  shelf.Storage,
			Next:      updated.Storage,
			CreatedAt: grant.issuedAt,
		}
		if err := f.audit.RecordStorageChange(ctx, entry); err != nil {
			f.logger.Printf("[AdminFlow] failed to record storage audit for shelf %s: %v", shelfID, err)
		}
	}

	f.logger.Printf("[AdminFlow] storage of shelf %s set to (%.3f, %.3f, %.3f) by %s",
		shelfID, updated.Storage.X, updated.Storage.Y, updated.Storage.Yaw, intent.Actor)
	return updated, nil
}
