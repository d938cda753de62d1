package store

import (
	"context"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wikimedia/commons-curator/errdefs"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", filepath.Join(t.TempDir(), "curator.sqlite"))
	assert.NilError(t, err)
	t.Cleanup(func() { s.Close() })
	assert.NilError(t, s.Migrate(context.Background()))
	return s
}

func seedBatch(t *testing.T, s *Store, items ...NewUpload) (Batch, []UploadRequest) {
	t.Helper()
	if len(items) == 0 {
		items = []NewUpload{{Key: "img-1", Filename: "Test image.jpg", Wikitext: "=={{int:filedesc}}=="}}
	}
	batch, rows, err := s.CreateUploadRequests(context.Background(), "u123", "Alice", "mapillary", items, "sealed-token")
	assert.NilError(t, err)
	return batch, rows
}

func TestCreateUploadRequests(t *testing.T) {
	s := testStore(t)

	batch, rows := seedBatch(t, s,
		NewUpload{Key: "a", Filename: "A.jpg", Wikitext: "wa"},
		NewUpload{Key: "b", Filename: "B.jpg", Wikitext: "wb"},
	)

	assert.Check(t, batch.ID > 0)
	assert.Check(t, batch.BatchUID != "")
	assert.Assert(t, is.Len(rows, 2))
	for _, row := range rows {
		assert.Check(t, is.Equal(row.Status, StatusQueued))
		assert.Assert(t, row.AccessToken != nil)
		assert.Check(t, is.Equal(*row.AccessToken, "sealed-token"))
		assert.Check(t, is.Equal(row.BatchID, batch.ID))
	}

	loaded, err := s.GetUploadRequest(context.Background(), rows[0].ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(loaded.Username, "Alice"))
	assert.Check(t, is.Equal(loaded.Handler, "mapillary"))
}

func TestCreateUploadRequestsRejectsEmpty(t *testing.T) {
	s := testStore(t)
	_, _, err := s.CreateUploadRequests(context.Background(), "u123", "Alice", "mapillary", nil, "tok")
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestAcquireIsExactlyOnce(t *testing.T) {
	s := testStore(t)
	_, rows := seedBatch(t, s)
	id := rows[0].ID

	first, err := s.AcquireForProcessing(context.Background(), id)
	assert.NilError(t, err)
	second, err := s.AcquireForProcessing(context.Background(), id)
	assert.NilError(t, err)

	assert.Check(t, first)
	assert.Check(t, !second, "the second worker must lose the lease race")

	row, err := s.GetUploadRequest(context.Background(), id)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(row.Status, StatusInProgress))
}

func TestTerminalTransitionWipesToken(t *testing.T) {
	s := testStore(t)
	_, rows := seedBatch(t, s)
	id := rows[0].ID

	ok, err := s.AcquireForProcessing(context.Background(), id)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	success := "https://commons.wikimedia.org/wiki/File:Test_image.jpg"
	assert.NilError(t, s.UpdateUploadStatus(context.Background(), id, StatusCompleted, Outcome{Success: &success}))

	row, err := s.GetUploadRequest(context.Background(), id)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(row.Status, StatusCompleted))
	assert.Check(t, row.AccessToken == nil, "terminal rows must not retain credentials")
	assert.Assert(t, row.Success != nil)
	assert.Check(t, is.Equal(*row.Success, success))
}

func TestStatusCannotRegress(t *testing.T) {
	s := testStore(t)
	_, rows := seedBatch(t, s)
	id := rows[0].ID

	ok, err := s.AcquireForProcessing(context.Background(), id)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.NilError(t, s.UpdateUploadStatus(context.Background(), id, StatusFailed, Outcome{
		Error: &OutcomeError{Type: "error", Message: "boom"},
	}))

	// A second terminal write must be refused: the row already finished.
	err = s.UpdateUploadStatus(context.Background(), id, StatusCompleted, Outcome{})
	assert.Check(t, errdefs.IsConflict(err), "expected conflict, got %v", err)

	row, err := s.GetUploadRequest(context.Background(), id)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(row.Status, StatusFailed))

	payload, err := row.ErrorPayload()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(payload.Type, "error"))
	assert.Check(t, is.Equal(payload.Message, "boom"))
}

func TestDuplicateOutcomePayload(t *testing.T) {
	s := testStore(t)
	_, rows := seedBatch(t, s)
	id := rows[0].ID

	ok, err := s.AcquireForProcessing(context.Background(), id)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	assert.NilError(t, s.UpdateUploadStatus(context.Background(), id, StatusDuplicate, Outcome{
		Error: &OutcomeError{
			Type:    "duplicate",
			Message: "File already exists",
			Links:   []Link{{Title: "File:Existing.jpg", URL: "https://commons.wikimedia.org/wiki/File:Existing.jpg"}},
		},
	}))

	row, err := s.GetUploadRequest(context.Background(), id)
	assert.NilError(t, err)
	payload, err := row.ErrorPayload()
	assert.NilError(t, err)
	assert.Assert(t, is.Len(payload.Links, 1))
	assert.Check(t, is.Equal(payload.Links[0].URL, "https://commons.wikimedia.org/wiki/File:Existing.jpg"))
	assert.Check(t, row.AccessToken == nil)
}

func TestGetBatchesStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	batch, rows := seedBatch(t, s,
		NewUpload{Key: "a", Filename: "A.jpg"},
		NewUpload{Key: "b", Filename: "B.jpg"},
		NewUpload{Key: "c", Filename: "C.jpg"},
	)

	ok, err := s.AcquireForProcessing(ctx, rows[0].ID)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.NilError(t, s.UpdateUploadStatus(ctx, rows[0].ID, StatusCompleted, Outcome{}))

	ok, err = s.AcquireForProcessing(ctx, rows[1].ID)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	stats, err := s.GetBatchesStats(ctx, []int64{batch.ID, 424242})
	assert.NilError(t, err)

	got := stats[batch.ID]
	assert.Check(t, is.Equal(got, Stats{Total: 3, Queued: 1, InProgress: 1, Completed: 1}))
	assert.Check(t, is.Equal(got.Total, got.Queued+got.InProgress+got.Completed+got.Failed+got.Duplicate))

	// Unknown batch ids come back as zero records, not missing keys.
	zero, present := stats[424242]
	assert.Check(t, present)
	assert.Check(t, is.Equal(zero, Stats{}))
}

func TestLastEditedByResolvesToUsername(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	batch, rows := seedBatch(t, s)

	assert.NilError(t, s.UpsertUser(ctx, "u999", "Bob"))
	ok, err := s.AcquireForProcessing(ctx, rows[0].ID)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	editor := "u999"
	assert.NilError(t, s.UpdateUploadStatus(ctx, rows[0].ID, StatusCompleted, Outcome{LastEditedBy: &editor}))

	uploads, err := s.GetBatchUploads(ctx, batch.ID)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(uploads, 1))
	assert.Assert(t, uploads[0].EditorUsername != nil)
	assert.Check(t, is.Equal(*uploads[0].EditorUsername, "Bob"))

	delta := uploads[0].Delta()
	assert.Assert(t, delta.LastEditedBy != nil)
	assert.Check(t, is.Equal(*delta.LastEditedBy, "Bob"))
}

func TestListBatchesPaging(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		seedBatch(t, s)
	}

	page, total, err := s.ListBatches(ctx, ListBatchesOptions{Page: 1, Limit: 2})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(total, int64(5)))
	assert.Assert(t, is.Len(page, 2))
	assert.Check(t, page[0].ID > page[1].ID, "newest first")
	assert.Check(t, is.Equal(page[0].Username, "Alice"))

	filtered, total, err := s.ListBatches(ctx, ListBatchesOptions{UserID: "nobody"})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(total, int64(0)))
	assert.Check(t, is.Len(filtered, 0))
}

func TestPresetSingleDefault(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	assert.NilError(t, s.UpsertUser(ctx, "u123", "Alice"))

	first, err := s.SavePreset(ctx, Preset{UserID: "u123", Handler: "mapillary", Name: "street", Values: "{}", IsDefault: true})
	assert.NilError(t, err)
	second, err := s.SavePreset(ctx, Preset{UserID: "u123", Handler: "mapillary", Name: "pano", Values: "{}", IsDefault: true})
	assert.NilError(t, err)

	def, err := s.GetDefaultPreset(ctx, "u123", "mapillary")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(def.ID, second.ID))

	presets, err := s.GetPresets(ctx, "u123", "mapillary")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(presets, 2))
	defaults := 0
	for _, p := range presets {
		if p.IsDefault {
			defaults++
		}
	}
	assert.Check(t, is.Equal(defaults, 1))

	assert.NilError(t, s.DeletePreset(ctx, "u123", first.ID))
	err = s.DeletePreset(ctx, "u123", first.ID)
	assert.Check(t, errdefs.IsNotFound(err))
}
