package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cragpack/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func intp(i int) *int { return &i }

func snapshot(cragID string, downloadedAt int64, imageIDs ...string) (model.SnapshotMeta, model.CragDetail, []model.ImageDetail) {
	meta := model.SnapshotMeta{
		CragID:       cragID,
		Name:         "Crag " + cragID,
		DownloadedAt: downloadedAt,
		MapKey:       "offline://crag-map/" + cragID + ".png",
	}
	crag := model.CragDetail{ID: cragID, Name: "Crag " + cragID}
	images := make([]model.ImageDetail, 0, len(imageIDs))
	for i, id := range imageIDs {
		images = append(images, model.ImageDetail{
			ID:           id,
			CragID:       cragID,
			DisplayOrder: intp(len(imageIDs) - i),
			URL:          "https://img.example/" + id + ".jpg",
		})
	}
	return meta, crag, images
}

func TestSaveSnapshot_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	meta, crag, images := snapshot("c1", 1000, "i1", "i2", "i3")
	require.NoError(t, db.SaveSnapshot(ctx, meta, crag, images))

	gotMeta, err := db.Meta(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, gotMeta)
	assert.Equal(t, meta, *gotMeta)

	ok, err := db.HasSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := db.ImagesForCrag(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Ordered by display order: i3=1, i2=2, i1=3
	assert.Equal(t, "i3", got[0].ID)
	assert.Equal(t, "i1", got[2].ID)

	img, err := db.Image(ctx, "i2")
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, "https://img.example/i2.jpg", img.URL)
}

func TestSaveSnapshot_RedownloadReplacesImages(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	meta, crag, images := snapshot("c1", 1000, "i1", "i2", "i3")
	require.NoError(t, db.SaveSnapshot(ctx, meta, crag, images))

	meta, crag, images = snapshot("c1", 2000, "i2", "i4")
	require.NoError(t, db.SaveSnapshot(ctx, meta, crag, images))

	metas, err := db.ListMetas(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, int64(2000), metas[0].DownloadedAt)

	got, err := db.ImagesForCrag(ctx, "c1")
	require.NoError(t, err)
	ids := []string{}
	for _, img := range got {
		ids = append(ids, img.ID)
	}
	assert.ElementsMatch(t, []string{"i2", "i4"}, ids)

	gone, err := db.Image(ctx, "i1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestDeleteSnapshot(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	meta, crag, images := snapshot("c1", 1000, "i1", "i2")
	require.NoError(t, db.SaveSnapshot(ctx, meta, crag, images))
	meta, crag, images = snapshot("c2", 1000, "j1")
	require.NoError(t, db.SaveSnapshot(ctx, meta, crag, images))

	require.NoError(t, db.DeleteSnapshot(ctx, "c1"))
	require.NoError(t, db.DeleteSnapshot(ctx, "never-downloaded"))

	ok, err := db.HasSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := db.Meta(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, m)

	c, err := db.Crag(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, c)

	left, err := db.ImagesForCrag(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, left)

	other, err := db.ImagesForCrag(ctx, "c2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestListMetas_MostRecentFirst(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	for id, at := range map[string]int64{"old": 100, "new": 300, "mid": 200} {
		meta, crag, images := snapshot(id, at)
		require.NoError(t, db.SaveSnapshot(ctx, meta, crag, images))
	}

	metas, err := db.ListMetas(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, "new", metas[0].CragID)
	assert.Equal(t, "mid", metas[1].CragID)
	assert.Equal(t, "old", metas[2].CragID)
}

func TestSetMapGenerated(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	meta, crag, images := snapshot("c1", 1000)
	require.NoError(t, db.SaveSnapshot(ctx, meta, crag, images))

	require.NoError(t, db.SetMapGenerated(ctx, "c1", 4242))
	require.NoError(t, db.SetMapGenerated(ctx, "missing", 4242))

	got, err := db.Meta(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(4242), got.MapGeneratedAt)

	m, err := db.Meta(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, m)
}
