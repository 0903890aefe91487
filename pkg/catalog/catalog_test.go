package catalog

import (
	"image"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ctslicesto3d/internal/models"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRecordAndGetSession(t *testing.T) {
	c := openTestCatalog(t)
	roi := image.Rect(10, 20, 110, 220)
	want := &Session{
		SourceDir:   "/scans/head",
		Range:       models.SliceRange{Min: 2, Max: 40},
		TotalSlices: 38,
		ROI:         &roi,
		Threshold:   0.15,
		Points:      12345,
		ScaleX:      1,
		ScaleY:      0.8,
		ScaleZ:      0.5,
		CreatedAt:   time.Unix(0, 1700000000123456789),
	}

	id, err := c.RecordSession(want)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err, "generated IDs are UUIDs")
	assert.Equal(t, id, want.ID)

	got, err := c.GetSession(id)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionWithoutROI(t *testing.T) {
	c := openTestCatalog(t)
	id, err := c.RecordSession(&Session{SourceDir: "scan", TotalSlices: 4, Threshold: 0.15})
	require.NoError(t, err)

	got, err := c.GetSession(id)
	require.NoError(t, err)
	assert.Nil(t, got.ROI)
	assert.Nil(t, got.ClosedAt)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestUpdateClipAndEnd(t *testing.T) {
	c := openTestCatalog(t)
	id, err := c.RecordSession(&Session{SourceDir: "scan", TotalSlices: 4})
	require.NoError(t, err)

	require.NoError(t, c.UpdateClip(id, 1, 2))
	require.NoError(t, c.EndSession(id))

	got, err := c.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ClipFront)
	assert.Equal(t, 2, got.ClipBack)
	require.NotNil(t, got.ClosedAt)
	assert.False(t, got.ClosedAt.Before(got.CreatedAt))
}

func TestUnknownSession(t *testing.T) {
	c := openTestCatalog(t)
	missing := uuid.NewString()

	_, err := c.GetSession(missing)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.UpdateClip(missing, 0, 0), ErrNotFound)
	assert.ErrorIs(t, c.EndSession(missing), ErrNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	c := openTestCatalog(t)
	base := time.Unix(1700000000, 0)
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := c.RecordSession(&Session{SourceDir: "scan", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all, err := c.ListSessions(0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, s := range all {
		assert.Equal(t, ids[3-i], s.ID)
	}

	recent, err := c.ListSessions(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[3], recent[0].ID)
	assert.Equal(t, ids[2], recent[1].ID)
}

func TestDuplicateSessionID(t *testing.T) {
	c := openTestCatalog(t)
	s := &Session{ID: uuid.NewString(), SourceDir: "scan"}
	_, err := c.RecordSession(s)
	require.NoError(t, err)
	_, err = c.RecordSession(s)
	assert.Error(t, err)
}

func TestReopenKeepsSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path, nil)
	require.NoError(t, err)
	id, err := c.RecordSession(&Session{SourceDir: "scan"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = Open(path, nil)
	require.NoError(t, err)
	defer c.Close()
	got, err := c.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "scan", got.SourceDir)
}
