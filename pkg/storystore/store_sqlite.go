// Package storystore is the SQLite-backed story and segment store behind the
// dev feed server.
package storystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/storysync/pkg/snapshot"
)

// ErrNotFound is returned for unknown stories and segments.
var ErrNotFound = errors.New("storystore: not found")

// SQLiteStore keeps stories and their segments as JSON field maps. It is the
// data layer of the dev feed server and doubles as an in-process Fetcher.
type SQLiteStore struct {
	db        *sql.DB
	pipelines []snapshot.Pipeline
	now       func() time.Time
}

type Option func(*SQLiteStore)

func WithPipelines(p []snapshot.Pipeline) Option {
	return func(s *SQLiteStore) {
		if len(p) > 0 {
			s.pipelines = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite story store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// read-modify-write patches run in one transaction per call
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, pipelines: snapshot.DefaultPipelines, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DSNForFile builds a WAL-mode DSN for an on-disk database.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite story store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stories (
		  story_id TEXT PRIMARY KEY,
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  fields_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS segments (
		  story_id TEXT NOT NULL REFERENCES stories(story_id) ON DELETE CASCADE,
		  segment_id TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  fields_json TEXT NOT NULL,
		  PRIMARY KEY (story_id, segment_id)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite story store: migrate")
		}
	}
	return nil
}

func decodeFields(raw string) (snapshot.Snapshot, error) {
	fields := snapshot.Snapshot{}
	if raw == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, errors.Wrap(err, "sqlite story store: decode fields")
	}
	return fields, nil
}

func mergeFields(dst, patch snapshot.Snapshot) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}

// PatchStory merges fields into the story row, creating it if needed, and
// returns the stored row.
func (s *SQLiteStore) PatchStory(ctx context.Context, storyID string, fields snapshot.Snapshot) (snapshot.Snapshot, error) {
	storyID = strings.TrimSpace(storyID)
	if storyID == "" {
		return nil, errors.New("sqlite story store: storyID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	var created int64
	err = tx.QueryRowContext(ctx, `SELECT fields_json, created_at_ms FROM stories WHERE story_id = ?`, storyID).Scan(&raw, &created)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "sqlite story store: load story")
	}
	if created == 0 {
		created = now.UnixMilli()
	}
	row, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	mergeFields(row, fields)
	row["id"] = storyID
	row["updated_at"] = now.UTC().Format(time.RFC3339Nano)

	encoded, err := json.Marshal(row)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite story store: encode story")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stories(story_id, created_at_ms, updated_at_ms, fields_json)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(story_id) DO UPDATE SET
		  updated_at_ms = excluded.updated_at_ms,
		  fields_json = excluded.fields_json
	`, storyID, created, now.UnixMilli(), string(encoded)); err != nil {
		return nil, errors.Wrap(err, "sqlite story store: upsert story")
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row, nil
}

// PatchSegment merges fields into a segment of an existing story.
func (s *SQLiteStore) PatchSegment(ctx context.Context, storyID, segmentID string, fields snapshot.Snapshot) (snapshot.Snapshot, error) {
	storyID, segmentID = strings.TrimSpace(storyID), strings.TrimSpace(segmentID)
	if storyID == "" || segmentID == "" {
		return nil, errors.New("sqlite story store: storyID and segmentID are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM stories WHERE story_id = ?`, storyID).Scan(&exists); err != nil {
		return nil, errors.Wrap(err, "sqlite story store: load story")
	}
	if exists == 0 {
		return nil, errors.Wrapf(ErrNotFound, "story %s", storyID)
	}

	var raw string
	var created int64
	err = tx.QueryRowContext(ctx, `SELECT fields_json, created_at_ms FROM segments WHERE story_id = ? AND segment_id = ?`, storyID, segmentID).Scan(&raw, &created)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "sqlite story store: load segment")
	}
	if created == 0 {
		created = now.UnixMilli()
	}
	row, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	mergeFields(row, fields)
	row["id"] = segmentID
	row["story_id"] = storyID
	row["updated_at"] = now.UTC().Format(time.RFC3339Nano)

	encoded, err := json.Marshal(row)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite story store: encode segment")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO segments(story_id, segment_id, created_at_ms, updated_at_ms, fields_json)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(story_id, segment_id) DO UPDATE SET
		  updated_at_ms = excluded.updated_at_ms,
		  fields_json = excluded.fields_json
	`, storyID, segmentID, created, now.UnixMilli(), string(encoded)); err != nil {
		return nil, errors.Wrap(err, "sqlite story store: upsert segment")
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row, nil
}

// DeleteSegment reports whether a segment was removed.
func (s *SQLiteStore) DeleteSegment(ctx context.Context, storyID, segmentID string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE story_id = ? AND segment_id = ?`, storyID, segmentID)
	if err != nil {
		return false, errors.Wrap(err, "sqlite story store: delete segment")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Fetch returns the full state of a story, segments in display order.
func (s *SQLiteStore) Fetch(ctx context.Context, storyID string) (*snapshot.ResourceState, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT fields_json FROM stories WHERE story_id = ?`, storyID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "story %s", storyID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite story store: load story")
	}
	resource, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT fields_json FROM segments WHERE story_id = ?`, storyID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite story store: list segments")
	}
	defer func() { _ = rows.Close() }()
	segments := []snapshot.Snapshot{}
	for rows.Next() {
		var segRaw string
		if err := rows.Scan(&segRaw); err != nil {
			return nil, err
		}
		seg, err := decodeFields(segRaw)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	snapshot.SortSegments(segments)

	st := &snapshot.ResourceState{Resource: resource, Segments: segments}
	st.ActiveGeneration = s.active(st)
	return st, nil
}

// ActiveGeneration reports whether any pipeline of the story or its segments
// is still in progress.
func (s *SQLiteStore) ActiveGeneration(ctx context.Context, storyID string) (bool, error) {
	st, err := s.Fetch(ctx, storyID)
	if err != nil {
		return false, err
	}
	return st.ActiveGeneration, nil
}

func (s *SQLiteStore) active(st *snapshot.ResourceState) bool {
	inProgress := func(fields snapshot.Snapshot) bool {
		for _, p := range s.pipelines {
			if v, ok := fields[p.StatusField]; ok && snapshot.Rank(v) == snapshot.Rank(snapshot.StatusInProgress) {
				return true
			}
		}
		return false
	}
	if inProgress(st.Resource) {
		return true
	}
	for _, seg := range st.Segments {
		if inProgress(seg) {
			return true
		}
	}
	return false
}

// Stories lists the known story ids.
func (s *SQLiteStore) Stories(ctx context.Context) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `SELECT story_id FROM stories ORDER BY story_id`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite story store: list stories")
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
