// Package catalog records render sessions in a SQLite database so a build
// and its clip settings can be listed and reopened later.
package catalog

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"ctslicesto3d/internal/logger"
	"ctslicesto3d/internal/models"
)

// ErrNotFound is returned when no session has the requested ID.
var ErrNotFound = errors.New("render session not found")

// schema.sql creates the render session table.
//
//go:embed schema.sql
var schemaSQL string

// Session is one build of a point cloud and the clip range last applied to it.
type Session struct {
	ID          string
	SourceDir   string
	Range       models.SliceRange
	TotalSlices int
	ROI         *image.Rectangle
	Threshold   float64
	Points      int
	ScaleX      float64
	ScaleY      float64
	ScaleZ      float64
	ClipFront   int
	ClipBack    int
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

// Catalog is a SQLite store of render sessions.
type Catalog struct {
	*sql.DB
	log *zap.Logger
}

// Open opens or creates the catalog database at path.
func Open(path string, log *zap.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}

	log = logger.OrNop(log)
	log.Debug("initialized catalog schema", zap.String("path", path))
	return &Catalog{DB: db, log: log}, nil
}

// RecordSession inserts s. An empty ID is replaced by a new UUID and a zero
// CreatedAt by the current time. It returns the session ID.
func (c *Catalog) RecordSession(s *Session) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	var minX, minY, maxX, maxY sql.NullInt64
	if s.ROI != nil {
		minX = sql.NullInt64{Int64: int64(s.ROI.Min.X), Valid: true}
		minY = sql.NullInt64{Int64: int64(s.ROI.Min.Y), Valid: true}
		maxX = sql.NullInt64{Int64: int64(s.ROI.Max.X), Valid: true}
		maxY = sql.NullInt64{Int64: int64(s.ROI.Max.Y), Valid: true}
	}

	query := `
		INSERT INTO render_sessions (
			session_id, source_dir, slice_min, slice_max, total_slices,
			roi_min_x, roi_min_y, roi_max_x, roi_max_y,
			intensity_threshold, point_count, scale_x, scale_y, scale_z,
			clip_front, clip_back, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.Exec(query,
		s.ID, s.SourceDir, s.Range.Min, s.Range.Max, s.TotalSlices,
		minX, minY, maxX, maxY,
		s.Threshold, s.Points, s.ScaleX, s.ScaleY, s.ScaleZ,
		s.ClipFront, s.ClipBack, s.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to record session: %w", err)
	}

	c.log.Info("recorded render session", zap.String("session_id", s.ID), zap.Int("points", s.Points))
	return s.ID, nil
}

// UpdateClip stores the clip range applied to session id.
func (c *Catalog) UpdateClip(id string, front, back int) error {
	result, err := c.Exec(`UPDATE render_sessions SET clip_front = ?, clip_back = ? WHERE session_id = ?`,
		front, back, id)
	if err != nil {
		return fmt.Errorf("failed to update clip range: %w", err)
	}
	return expectOne(result, id)
}

// EndSession marks session id as closed at the current time.
func (c *Catalog) EndSession(id string) error {
	result, err := c.Exec(`UPDATE render_sessions SET closed_at_ns = ? WHERE session_id = ?`,
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return expectOne(result, id)
}

func expectOne(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectSessions = `
	SELECT session_id, source_dir, slice_min, slice_max, total_slices,
		roi_min_x, roi_min_y, roi_max_x, roi_max_y,
		intensity_threshold, point_count, scale_x, scale_y, scale_z,
		clip_front, clip_back, created_at_ns, closed_at_ns
	FROM render_sessions
`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var minX, minY, maxX, maxY, closedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&s.ID, &s.SourceDir, &s.Range.Min, &s.Range.Max, &s.TotalSlices,
		&minX, &minY, &maxX, &maxY,
		&s.Threshold, &s.Points, &s.ScaleX, &s.ScaleY, &s.ScaleZ,
		&s.ClipFront, &s.ClipBack, &createdAt, &closedAt)
	if err != nil {
		return nil, err
	}

	if minX.Valid && minY.Valid && maxX.Valid && maxY.Valid {
		roi := image.Rect(int(minX.Int64), int(minY.Int64), int(maxX.Int64), int(maxY.Int64))
		s.ROI = &roi
	}
	s.CreatedAt = time.Unix(0, createdAt)
	if closedAt.Valid {
		t := time.Unix(0, closedAt.Int64)
		s.ClosedAt = &t
	}
	return &s, nil
}

// GetSession returns session id.
func (c *Catalog) GetSession(id string) (*Session, error) {
	s, err := scanSession(c.QueryRow(selectSessions+` WHERE session_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return s, nil
}

// ListSessions returns up to limit sessions, newest first. A limit of zero
// or less returns every session.
func (c *Catalog) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.Query(selectSessions+` ORDER BY created_at_ns DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
