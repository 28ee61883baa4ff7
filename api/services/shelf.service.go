package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"warehouse-overwatch/pkg/admin"
	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/shared"
)

type ShelfBackend interface {
	RestoreShelf(ctx context.Context, shelfID string) (shared.Record, error)
	DeleteShelf(ctx context.Context, shelfID string) error
}

type ShelfApplier interface {
	ApplyShelf(rec shared.Record) (ontology.Shelf, error)
	RestoreShelf(id string) (ontology.Shelf, error)
	Remove(kind, id string) bool
}

// StorageHistory lists past storage changes. *db.Service satisfies it.
type StorageHistory interface {
	StorageHistory(ctx context.Context, shelfID string, limit int) ([]admin.AuditEntry, error)
}

type ShelfService struct {
	backend ShelfBackend
	applier ShelfApplier
	flow    *admin.Flow
	history StorageHistory
	logger  shared.Logger
}

// NewShelfService builds the shelf command service. history may be nil.
func NewShelfService(backend ShelfBackend, applier ShelfApplier, flow *admin.Flow, history StorageHistory, logger shared.Logger) *ShelfService {
	if logger == nil {
		logger = log.Default()
	}
	return &ShelfService{
		backend: backend,
		applier: applier,
		flow:    flow,
		history: history,
		logger:  logger,
	}
}

// RestoreShelf returns a shelf to its storage position. The store snaps the
// live position to storage and then takes whatever the backend reported.
func (s *ShelfService) RestoreShelf(ctx context.Context, shelfID string) (ontology.Shelf, error) {
	shelfID = strings.TrimSpace(shelfID)
	if shelfID == "" {
		return ontology.Shelf{}, fmt.Errorf("%w: shelf_id is required", ErrInvalidRequest)
	}
	rec, err := s.backend.RestoreShelf(ctx, shelfID)
	if err != nil {
		return ontology.Shelf{}, fmt.Errorf("failed to restore shelf %s: %w", shelfID, err)
	}
	shelf, err := s.applier.RestoreShelf(shelfID)
	if err != nil {
		return ontology.Shelf{}, err
	}
	if rec != nil {
		if shelf, err = s.applier.ApplyShelf(rec); err != nil {
			return ontology.Shelf{}, err
		}
	}
	s.logger.Printf("[ShelfService] restored shelf %s to storage", shelfID)
	return shelf, nil
}

// SetStorage runs the admin storage flow. It is the only caller that can
// change a shelf's storage position.
func (s *ShelfService) SetStorage(ctx context.Context, shelfID string, patch admin.StoragePatch, intent admin.Intent, confirmer admin.Confirmer) (ontology.Shelf, error) {
	return s.flow.SetStorage(ctx, shelfID, patch, intent, confirmer)
}

func (s *ShelfService) StorageHistory(ctx context.Context, shelfID string, limit int) ([]admin.AuditEntry, error) {
	if s.history == nil {
		return []admin.AuditEntry{}, nil
	}
	return s.history.StorageHistory(ctx, shelfID, limit)
}

func (s *ShelfService) DeleteShelf(ctx context.Context, shelfID string) error {
	shelfID = strings.TrimSpace(shelfID)
	if shelfID == "" {
		return fmt.Errorf("%w: shelf_id is required", ErrInvalidRequest)
	}
	if err := s.backend.DeleteShelf(ctx, shelfID); err != nil {
		return fmt.Errorf("failed to delete shelf %s: %w", shelfID, err)
	}
	s.applier.Remove(shared.KindShelf, shelfID)
	return nil
}
