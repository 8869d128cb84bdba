// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package catalog keeps an index of saved recordings in SQLite.
// The files on disk remain the source of truth; Reconcile brings the index
// back in line after manual deletions or copies.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/ringdvr/internal/log"
)

const schemaVersion = 1

// Recording is one saved file.
type Recording struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	Encoder    string    `json:"encoder,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the SQLite-backed catalog.
type Store struct {
	db *sql.DB
}

// Open opens or creates the catalog at path. A database that fails its
// integrity check is moved aside and a fresh one is created.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("catalog dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		issues, err := verifyIntegrity(path)
		if err != nil {
			return nil, err
		}
		if issues != nil {
			aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
			logger := log.WithComponent("catalog")
			logger.Warn().
				Strs("issues", issues).
				Str(log.FieldPath, aside).
				Msg("catalog failed integrity check, starting fresh")
			if err := os.Rename(path, aside); err != nil {
				return nil, fmt.Errorf("move corrupt catalog: %w", err)
			}
			for _, suffix := range []string{"-wal", "-shm"} {
				_ = os.Remove(path + suffix)
			}
		}
	}

	db, err := openDB(path, 5*time.Second)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		size_bytes INTEGER NOT NULL,
		encoder TEXT NOT NULL DEFAULT '',
		resolution TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Add inserts or replaces the entry for r.Path.
func (s *Store) Add(ctx context.Context, r Recording) error {
	if r.ID == "" || r.Path == "" {
		return errors.New("catalog: recording needs id and path")
	}
	query := `
	INSERT INTO recordings (id, path, size_bytes, encoder, resolution, duration_ms, created_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		id = excluded.id,
		size_bytes = excluded.size_bytes,
		encoder = excluded.encoder,
		resolution = excluded.resolution,
		duration_ms = excluded.duration_ms,
		created_at_ms = excluded.created_at_ms
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Path, r.SizeBytes, r.Encoder, r.Resolution, r.DurationMS, r.CreatedAt.UnixMilli(),
	)
	return err
}

// List returns up to limit recordings, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Recording, error) {
	query := `SELECT id, path, size_bytes, encoder, resolution, duration_ms, created_at_ms
		FROM recordings ORDER BY created_at_ms DESC, path DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []Recording{}
	for rows.Next() {
		var (
			r         Recording
			createdMS int64
		)
		if err := rows.Scan(&r.ID, &r.Path, &r.SizeBytes, &r.Encoder, &r.Resolution, &r.DurationMS, &createdMS); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) delete(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE path = ?`, path)
	return err
}

// ReconcileResult reports what Reconcile changed.
type ReconcileResult struct {
	Removed int
	Added   int
}

// Reconcile drops entries whose file is gone and adds recording_*.mp4 files
// in dir that the catalog does not know about. newID supplies IDs for
// adopted files.
func (s *Store) Reconcile(ctx context.Context, dir string, newID func() string) (ReconcileResult, error) {
	var res ReconcileResult

	known, err := s.List(ctx, 0)
	if err != nil {
		return res, err
	}

	var (
		mu   sync.Mutex
		gone []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, r := range known {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, err := os.Stat(r.Path); errors.Is(err, fs.ErrNotExist) {
				mu.Lock()
				gone = append(gone, r.Path)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	for _, p := range gone {
		if err := s.delete(ctx, p); err != nil {
			return res, err
		}
		res.Removed++
	}

	tracked := make(map[string]struct{}, len(known))
	for _, r := range known {
		tracked[r.Path] = struct{}{}
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("scan recordings: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "recording_") || filepath.Ext(name) != ".mp4" {
			continue
		}
		p := filepath.Join(dir, name)
		if _, ok := tracked[p]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if err := s.Add(ctx, Recording{ID: newID(), Path: p, SizeBytes: info.Size(), CreatedAt: info.ModTime()}); err != nil {
			return res, err
		}
		res.Added++
	}
	return res, nil
}
