// Package store holds the client's single in-memory copy of robots, shelves,
// tasks and zones. Every mutation goes through a named method so that the
// shelf storage invariant has exactly one writer: SetShelfStorage.
package store

import (
	"errors"
	"fmt"
	"iter"
	"log"
	"maps"
	"slices"
	"strings"
	"sync"

	"warehouse-overwatch/pkg/admin"
	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/shared"
)

var (
	ErrUnknownEntity       = errors.New("unknown entity")
	ErrEmptyID             = errors.New("entity id is required")
	ErrStorageNotConfirmed = errors.New("storage write rejected: no confirmed admin grant")
	ErrGrantReused         = errors.New("storage write rejected: admin grant already used")
)

type Op string

const (
	OpInsert  Op = "insert"
	OpUpdate  Op = "update"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
	OpReject  Op = "reject"
)

// Change describes one applied (or rejected) mutation.
type Change struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Op   Op     `json:"op"`
}

// Snapshot is a full set of entities. A nil slice means the kind is not part
// of the snapshot and is left untouched by BulkReplace.
type Snapshot struct {
	Robots  []ontology.Robot `json:"robots"`
	Shelves []ontology.Shelf `json:"shelves"`
	Tasks   []ontology.Task  `json:"tasks"`
	Zones   []ontology.Zone  `json:"zones"`
}

type Options struct {
	Logger shared.Logger

	// OnChange is called after the lock is released, once per mutation.
	OnChange func(Change)
}

type Store struct {
	mu         sync.RWMutex
	robots     map[string]ontology.Robot
	shelves    map[string]ontology.Shelf
	tasks      map[string]ontology.Task
	zones      map[string]ontology.Zone
	usedGrants map[string]struct{}

	logger   shared.Logger
	onChange func(Change)
}

func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		robots:     make(map[string]ontology.Robot),
		shelves:    make(map[string]ontology.Shelf),
		tasks:      make(map[string]ontology.Task),
		zones:      make(map[string]ontology.Zone),
		usedGrants: make(map[string]struct{}),
		logger:     logger,
		onChange:   opts.OnChange,
	}
}

func (s *Store) notify(changes ...Change) {
	if s.onChange == nil {
		return
	}
	for _, c := range changes {
		s.onChange(c)
	}
}

// UpsertRobot merges patch onto an existing robot. Unknown ids are never created.
func (s *Store) UpsertRobot(id string, patch ontology.RobotPatch) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	r, ok := s.robots[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Printf("[EntityStore] dropped patch for unknown robot %s", id)
		return fmt.Errorf("%w: robot %s", ErrUnknownEntity, id)
	}
	if patch.IsEmpty() {
		s.mu.Unlock()
		return nil
	}
	patch.Apply(&r)
	s.robots[id] = r
	s.mu.Unlock()

	s.notify(Change{Kind: shared.KindRobot, ID: id, Op: OpUpdate})
	return nil
}

// UpsertShelf merges a current-position/status patch onto an existing shelf.
func (s *Store) UpsertShelf(id string, patch ontology.ShelfPatch) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	sh, ok := s.shelves[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Printf("[EntityStore] dropped patch for unknown shelf %s", id)
		return fmt.Errorf("%w: shelf %s", ErrUnknownEntity, id)
	}
	if patch.IsEmpty() {
		s.mu.Unlock()
		return nil
	}
	patch.Apply(&sh)
	s.shelves[id] = sh
	s.mu.Unlock()

	s.notify(Change{Kind: shared.KindShelf, ID: id, Op: OpUpdate})
	return nil
}

func (s *Store) UpsertTask(id string, patch ontology.TaskPatch) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Printf("[EntityStore] dropped patch for unknown task %s", id)
		return fmt.Errorf("%w: task %s", ErrUnknownEntity, id)
	}
	if patch.IsEmpty() {
		s.mu.Unlock()
		return nil
	}
	patch.Apply(&t)
	s.tasks[id] = t
	s.mu.Unlock()

	s.notify(Change{Kind: shared.KindTask, ID: id, Op: OpUpdate})
	return nil
}

// PutRobot inserts a complete robot record, or overwrites the existing one.
func (s *Store) PutRobot(r ontology.Robot) error {
	if r.ID == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	_, existed := s.robots[r.ID]
	s.robots[r.ID] = r
	s.mu.Unlock()

	s.notify(Change{Kind: shared.KindRobot, ID: r.ID, Op: opFor(existed)})
	return nil
}

// PutShelf inserts a complete shelf record. For a shelf already in the store
// every field except Storage is taken from rec; the stored Storage is kept.
func (s *Store) PutShelf(rec ontology.Shelf) error {
	if rec.ID == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	existing, existed := s.shelves[rec.ID]
	if existed {
		if existing.Storage != rec.Storage {
			s.logger.Printf("[EntityStore] ignored storage change in record for shelf %s; storage is admin-only", rec.ID)
		}
		rec.Storage = existing.Storage
	}
	s.shelves[rec.ID] = rec
	s.mu.Unlock()

	s.notify(Change{Kind: shared.KindShelf, ID: rec.ID, Op: opFor(existed)})
	return nil
}

func (s *Store) PutTask(t ontology.Task) error {
	if t.ID == "" {
		return ErrEmptyID
	}
	t = t.Clone()
	s.mu.Lock()
	_, existed := s.tasks[t.ID]
	s.tasks[t.ID] = t
	s.mu.Unlock()

	s.notify(Change{Kind: shared.KindTask, ID: t.ID, Op: opFor(existed)})
	return nil
}

// SetShelfCurrent is the only way the live position changes. Storage is not
// touched. An empty status keeps the current location status.
func (s *Store) SetShelfCurrent(id string, pose ontology.Pose, status ontology.LocationStatus) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	sh, ok := s.shelves[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Printf("[EntityStore] dropped current position for unknown shelf %s", id)
		return fmt.Errorf("%w: shelf %s", ErrUnknownEntity, id)
	}
	sh.Current = pose
	if status != "" {
		sh.LocationStatus = status
	}
	s.shelves[id] = sh
	s.mu.Unlock()

	s.notify(Change{Kind: shared.KindShelf, ID: id, Op: OpUpdate})
	return nil
}

// SetShelfStorage is the only way a shelf's storage position changes. The
// grant must come from a confirmed admin flow and is single use.
func (s *Store) SetShelfStorage(g admin.Grant) (ontology.Shelf, error) {
	if !g.Confirmed() {
		s.logger.Printf("[EntityStore] rejected unconfirmed storage write for shelf %q", g.ShelfID())
		s.notify(Change{Kind: shared.KindShelf, ID: g.ShelfID(), Op: OpReject})
		return ontology.Shelf{}, ErrStorageNotConfirmed
	}

	s.mu.Lock()
	if _, used := s.usedGrants[g.ID()]; used {
		s.mu.Unlock()
		s.logger.Printf("[EntityStore] rejected reused storage grant %s for shelf %s", g.ID(), g.ShelfID())
		s.notify(Change{Kind: shared.KindShelf, ID: g.ShelfID(), Op: OpReject})
		return ontology.Shelf{}, ErrGrantReused
	}
	sh, ok := s.shelves[g.ShelfID()]
	if !ok {
		s.mu.Unlock()
		return ontology.Shelf{}, fmt.Errorf("%w: shelf %s", ErrUnknownEntity, g.ShelfID())
	}
	s.usedGrants[g.ID()] = struct{}{}
	sh.Storage = g.Storage()
	s.shelves[sh.ID] = sh
	s.mu.Unlock()

	s.notify(Change{Kind: shared.KindShelf, ID: sh.ID, Op: OpUpdate})
	return sh, nil
}

// BulkReplace atomically swaps in the collections present in snap. Records not
// in the new set are removed. This is the only non-admin path that seeds
// storage, and it is reserved for full-state snapshots.
func (s *Store) BulkReplace(snap Snapshot) {
	var changes []Change

	s.mu.Lock()
	if snap.Robots != nil {
		next := make(map[string]ontology.Robot, len(snap.Robots))
		for _, r := range snap.Robots {
			if r.ID == "" {
				continue
			}
			next[r.ID] = r
		}
		s.robots = next
		changes = append(changes, Change{Kind: shared.KindRobot, Op: OpReplace})
	}
	if snap.Shelves != nil {
		next := make(map[string]ontology.Shelf, len(snap.Shelves))
		for _, sh := range snap.Shelves {
			if sh.ID == "" {
				continue
			}
			next[sh.ID] = sh
		}
		s.shelves = next
		changes = append(changes, Change{Kind: shared.KindShelf, Op: OpReplace})
	}
	if snap.Tasks != nil {
		next := make(map[string]ontology.Task, len(snap.Tasks))
		for _, t := range snap.Tasks {
			if t.ID == "" {
				continue
			}
			next[t.ID] = t.Clone()
		}
		s.tasks = next
		changes = append(changes, Change{Kind: shared.KindTask, Op: OpReplace})
	}
	if snap.Zones != nil {
		next := make(map[string]ontology.Zone, len(snap.Zones))
		for _, z := range snap.Zones {
			if z.ID == "" {
				continue
			}
			next[z.ID] = z
		}
		s.zones = next
		changes = append(changes, Change{Kind: shared.KindZone, Op: OpReplace})
	}
	s.mu.Unlock()

	s.notify(changes...)
}

// Remove deletes an entity after an explicit deletion response.
func (s *Store) Remove(kind, id string) bool {
	s.mu.Lock()
	var existed bool
	switch kind {
	case shared.KindRobot:
		_, existed = s.robots[id]
		delete(s.robots, id)
	case shared.KindShelf:
		_, existed = s.shelves[id]
		delete(s.shelves, id)
	case shared.KindTask:
		_, existed = s.tasks[id]
		delete(s.tasks, id)
	case shared.KindZone:
		_, existed = s.zones[id]
		delete(s.zones, id)
	default:
		s.mu.Unlock()
		s.logger.Printf("[EntityStore] remove: unknown kind %q", kind)
		return false
	}
	s.mu.Unlock()

	if existed {
		s.notify(Change{Kind: kind, ID: id, Op: OpRemove})
	}
	return existed
}

func (s *Store) Robot(id string) (ontology.Robot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.robots[id]
	return r, ok
}

func (s *Store) Shelf(id string) (ontology.Shelf, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shelves[id]
	return sh, ok
}

func (s *Store) Task(id string) (ontology.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return ontology.Task{}, false
	}
	return t.Clone(), true
}

func (s *Store) Zone(id string) (ontology.Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[id]
	return z, ok
}

// Robots returns a restartable sequence of robot copies in id order. Each
// iteration reads the store afresh.
func (s *Store) Robots() iter.Seq[ontology.Robot] {
	return func(yield func(ontology.Robot) bool) {
		s.mu.RLock()
		list := sortedValues(s.robots, identity[ontology.Robot])
		s.mu.RUnlock()
		for _, r := range list {
			if !yield(r) {
				return
			}
		}
	}
}

func (s *Store) Shelves() iter.Seq[ontology.Shelf] {
	return func(yield func(ontology.Shelf) bool) {
		s.mu.RLock()
		list := sortedValues(s.shelves, identity[ontology.Shelf])
		s.mu.RUnlock()
		for _, sh := range list {
			if !yield(sh) {
				return
			}
		}
	}
}

func (s *Store) Tasks() iter.Seq[ontology.Task] {
	return func(yield func(ontology.Task) bool) {
		s.mu.RLock()
		list := sortedValues(s.tasks, ontology.Task.Clone)
		s.mu.RUnlock()
		for _, t := range list {
			if !yield(t) {
				return
			}
		}
	}
}

func (s *Store) Zones() iter.Seq[ontology.Zone] {
	return func(yield func(ontology.Zone) bool) {
		s.mu.RLock()
		list := sortedValues(s.zones, identity[ontology.Zone])
		s.mu.RUnlock()
		for _, z := range list {
			if !yield(z) {
				return
			}
		}
	}
}

func (s *Store) Len(kind string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case shared.KindRobot:
		return len(s.robots)
	case shared.KindShelf:
		return len(s.shelves)
	case shared.KindTask:
		return len(s.tasks)
	case shared.KindZone:
		return len(s.zones)
	}
	return 0
}

// Snapshot returns a consistent copy of every collection.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Robots:  sortedValues(s.robots, identity[ontology.Robot]),
		Shelves: sortedValues(s.shelves, identity[ontology.Shelf]),
		Tasks:   sortedValues(s.tasks, ontology.Task.Clone),
		Zones:   sortedValues(s.zones, identity[ontology.Zone]),
	}
}

// ResolveRobot maps inbound identifiers to a store key: exact id first, then
// the display alias, then the name. The first match wins.
func (s *Store) ResolveRobot(keys ...string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolve(s.robots, keys, func(r ontology.Robot) (string, string) {
		return r.RobotID, r.Name
	})
}

func (s *Store) ResolveShelf(keys ...string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolve(s.shelves, keys, func(sh ontology.Shelf) (string, string) {
		return sh.ShelfID, sh.Name
	})
}

func (s *Store) ResolveTask(keys ...string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolve(s.tasks, keys, func(ontology.Task) (string, string) {
		return "", ""
	})
}

func resolve[T any](m map[string]T, keys []string, names func(T) (alias, name string)) (string, bool) {
	cleaned := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	if len(cleaned) == 0 {
		return "", false
	}
	for _, k := range cleaned {
		if _, ok := m[k]; ok {
			return k, true
		}
	}
	ids := slices.Sorted(maps.Keys(m))
	for _, k := range cleaned {
		for _, id := range ids {
			if alias, _ := names(m[id]); alias != "" && alias == k {
				return id, true
			}
		}
	}
	for _, k := range cleaned {
		for _, id := range ids {
			if _, name := names(m[id]); name != "" && name == k {
				return id, true
			}
		}
	}
	return "", false
}

func sortedValues[T any](m map[string]T, clone func(T) T) []T {
	out := make([]T, 0, len(m))
	for _, id := range slices.Sorted(maps.Keys(m)) {
		out = append(out, clone(m[id]))
	}
	return out
}

func identity[T any](v T) T { return v }

func opFor(existed bool) Op {
	if existed {
		return OpUpdate
	}
	return OpInsert
}
