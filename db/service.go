package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"warehouse-overwatch/pkg/admin"
	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/shared"
	"warehouse-overwatch/pkg/store"
)

//go:embed schema.sql
var schemaFS embed.FS

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Service is the local sqlite store: the warm-start view cache and the
// storage audit log.
type Service struct {
	DB     *sql.DB
	DBPath string
}

// Config holds database configuration
type Config struct {
	DBPath         string
	MaxOpenConns   int
	MaxIdleConns   int
	AutoInitialize bool // Automatically initialize schema if DB doesn't exist
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		DBPath:         "./db/overwatch.db",
		MaxOpenConns:   1, // SQLite doesn't handle concurrent writes well
		MaxIdleConns:   1,
		AutoInitialize: true,
	}
}

// New creates a new database service instance
func New(config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	service := &Service{
		DBPath: config.DBPath,
	}

	dbExists := fileExists(config.DBPath)

	dbDir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(0)

	service.DB = db

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if !dbExists && config.AutoInitialize {
		log.Println("Database not found, initializing schema...")
		if err := service.InitializeSchema(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		log.Println("Database schema initialized successfully")
	} else if err := service.VerifySchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Printf("Database service initialized: %s", config.DBPath)
	return service, nil
}

// InitializeSchema loads and executes the schema.sql file
func (s *Service) InitializeSchema() error {
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	if _, err := s.DB.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// VerifySchema checks if the database schema is properly initialized
func (s *Service) VerifySchema() error {
	requiredTables := []string{
		"view_cache",
		"view_cache_kinds",
		"storage_audit",
	}

	for _, table := range requiredTables {
		var exists int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := s.DB.QueryRow(query, table).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if exists == 0 {
			return fmt.Errorf("required table missing: %s", table)
		}
	}

	return nil
}

// Close closes the database connection
func (s *Service) Close() error {
	if s.DB != nil {
		log.Println("Closing database connection...")
		return s.DB.Close()
	}
	return nil
}

// Transaction executes a function within a database transaction
func (s *Service) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p) // re-throw panic after rollback
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Health checks the database connection health
func (s *Service) Health() error {
	if s.DB == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.DB.Ping()
}

// SaveSnapshot replaces the cached rows of every kind present in snap.
// Kinds with a nil slice keep their cached rows.
func (s *Service) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	now := time.Now().UTC().Format(timeLayout)
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if snap.Robots != nil {
			if err := replaceKind(ctx, tx, shared.KindRobot, now, snap.Robots, func(r ontology.Robot) string { return r.ID }); err != nil {
				return err
			}
		}
		if snap.Shelves != nil {
			if err := replaceKind(ctx, tx, shared.KindShelf, now, snap.Shelves, func(sh ontology.Shelf) string { return sh.ID }); err != nil {
				return err
			}
		}
		if snap.Tasks != nil {
			if err := replaceKind(ctx, tx, shared.KindTask, now, snap.Tasks, func(t ontology.Task) string { return t.ID }); err != nil {
				return err
			}
		}
		if snap.Zones != nil {
			if err := replaceKind(ctx, tx, shared.KindZone, now, snap.Zones, func(z ontology.Zone) string { return z.ID }); err != nil {
				return err
			}
		}
		return nil
	})
}

func replaceKind[T any](ctx context.Context, tx *sql.Tx, kind, now string, items []T, id func(T) string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM view_cache WHERE kind = ?`, kind); err != nil {
		return fmt.Errorf("failed to clear cached %s rows: %w", kind, err)
	}
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to encode cached %s: %w", kind, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO view_cache (kind, entity_id, payload, updated_at) VALUES (?, ?, ?, ?)`,
			kind, id(item), string(payload), now,
		); err != nil {
			return fmt.Errorf("failed to cache %s %s: %w", kind, id(item), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO view_cache_kinds (kind, saved_at) VALUES (?, ?)
		 ON CONFLICT(kind) DO UPDATE SET saved_at = excluded.saved_at`,
		kind, now,
	); err != nil {
		return fmt.Errorf("failed to mark cached kind %s: %w", kind, err)
	}
	return nil
}

// LoadSnapshot returns the cached view. ok is false when nothing was ever
// saved. Kinds that were never saved come back nil.
func (s *Service) LoadSnapshot(ctx context.Context) (snap store.Snapshot, ok bool, err error) {
	kinds, err := s.DB.QueryContext(ctx, `SELECT kind FROM view_cache_kinds`)
	if err != nil {
		return snap, false, fmt.Errorf("failed to query cached kinds: %w", err)
	}
	saved := map[string]bool{}
	for kinds.Next() {
		var kind string
		if err := kinds.Scan(&kind); err != nil {
			kinds.Close()
			return snap, false, fmt.Errorf("failed to scan cached kind: %w", err)
		}
		saved[kind] = true
	}
	kinds.Close()
	if err := kinds.Err(); err != nil {
		return snap, false, fmt.Errorf("failed to read cached kinds: %w", err)
	}
	if len(saved) == 0 {
		return snap, false, nil
	}

	if saved[shared.KindRobot] {
		if snap.Robots, err = loadKind[ontology.Robot](ctx, s.DB, shared.KindRobot); err != nil {
			return snap, false, err
		}
	}
	if saved[shared.KindShelf] {
		if snap.Shelves, err = loadKind[ontology.Shelf](ctx, s.DB, shared.KindShelf); err != nil {
			return snap, false, err
		}
	}
	if saved[shared.KindTask] {
		if snap.Tasks, err = loadKind[ontology.Task](ctx, s.DB, shared.KindTask); err != nil {
			return snap, false, err
		}
	}
	if saved[shared.KindZone] {
		if snap.Zones, err = loadKind[ontology.Zone](ctx, s.DB, shared.KindZone); err != nil {
			return snap, false, err
		}
	}
	return snap, true, nil
}

func loadKind[T any](ctx context.Context, db *sql.DB, kind string) ([]T, error) {
	rows, err := db.QueryContext(ctx, `SELECT entity_id, payload FROM view_cache WHERE kind = ? ORDER BY entity_id`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached %s rows: %w", kind, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan cached %s: %w", kind, err)
		}
		var item T
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			log.Printf("[DB] skipped unreadable cached %s %s: %v", kind, id, err)
			continue
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cached %s rows: %w", kind, err)
	}
	return out, nil
}

// RecordStorageChange appends one confirmed storage change to the audit log.
func (s *Service) RecordStorageChange(ctx context.Context, e admin.AuditEntry) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO storage_audit (audit_id, shelf_id, actor, reason, prev_x, prev_y, prev_yaw, next_x, next_y, next_yaw, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ShelfID, e.Actor, e.Reason,
		e.Previous.X, e.Previous.Y, e.Previous.Yaw,
		e.Next.X, e.Next.Y, e.Next.Yaw,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record storage change: %w", err)
	}
	return nil
}

// StorageHistory lists the audit entries of one shelf, newest first.
func (s *Service) StorageHistory(ctx context.Context, shelfID string, limit int) ([]admin.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT audit_id, shelf_id, actor, COALESCE(reason, ''), prev_x, prev_y, prev_yaw, next_x, next_y, next_yaw, created_at
		 FROM storage_audit WHERE shelf_id = ? ORDER BY created_at DESC LIMIT ?`,
		shelfID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query storage history: %w", err)
	}
	defer rows.Close()

	entries := []admin.AuditEntry{}
	for rows.Next() {
		var e admin.AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ShelfID, &e.Actor, &e.Reason,
			&e.Previous.X, &e.Previous.Y, &e.Previous.Yaw,
			&e.Next.X, &e.Next.Y, &e.Next.Yaw, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan storage history: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
