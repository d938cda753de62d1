package hub

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/store"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"SUBSCRIBE_BATCH","data":42}`))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(env.Type, MsgSubscribeBatch))
	assert.Check(t, is.Equal(string(env.Data), "42"))
}

func TestDecodeEnvelopeCarriesHandler(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"FETCH_IMAGES","handler":"mapillary","data":"seq-1"}`))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(env.Handler, "mapillary"))
}

func TestDecodeEnvelopeUnknownType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"type":"REBOOT"}`))
	assert.Check(t, errdefs.IsInvalidParameter(err))
	assert.Check(t, is.ErrorContains(err, "REBOOT"))
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{`))
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestUploadItemToNewUpload(t *testing.T) {
	sdcJSON := `[{"mainsnak":{}}]`
	collection := "seq-1"
	item := UploadItem{
		Key:               "img-1",
		Filename:          "A.jpg",
		Wikitext:          "text",
		SDC:               &sdcJSON,
		Collection:        &collection,
		CopyrightOverride: true,
	}

	got := item.NewUpload()
	assert.Check(t, is.Equal(got.Key, "img-1"))
	assert.Check(t, is.Equal(*got.SDC, sdcJSON))
	assert.Check(t, is.Equal(*got.Collection, "seq-1"))
	assert.Check(t, got.CopyrightOverride)
}

func TestUploadViewStripsNullsAndToken(t *testing.T) {
	token := "sealed-opaque"
	view := NewUploadView(store.UploadRequest{
		ID:          3,
		BatchID:     1,
		Key:         "img-1",
		Handler:     "mapillary",
		Filename:    "A.jpg",
		Status:      store.StatusQueued,
		AccessToken: &token,
	})

	raw, err := json.Marshal(view)
	assert.NilError(t, err)
	body := string(raw)
	assert.Check(t, !strings.Contains(body, "sealed-opaque"))
	assert.Check(t, !strings.Contains(body, `"error"`))
	assert.Check(t, !strings.Contains(body, `"success"`))
	assert.Check(t, strings.Contains(body, `"status":"queued"`))
}

type fakeBackend struct {
	uploads   []store.NewUpload
	uploadErr error
}

func (f *fakeBackend) FetchCollection(ctx context.Context, handlerTag, input string) (CollectionImages, error) {
	return CollectionImages{}, nil
}

func (f *fakeBackend) EnqueueUploads(ctx context.Context, id Identity, handlerTag string, items []store.NewUpload) ([]store.UploadRequest, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = items
	rows := make([]store.UploadRequest, len(items))
	for i, item := range items {
		rows[i] = store.UploadRequest{ID: int64(i + 1), BatchID: 9, Key: item.Key, Handler: handlerTag, Status: store.StatusQueued}
	}
	return rows, nil
}

func (f *fakeBackend) ListBatches(ctx context.Context, id Identity, opts store.ListBatchesOptions) (BatchesList, error) {
	return BatchesList{Items: []store.BatchSummary{}, Total: 0, Stats: map[int64]store.Stats{}}, nil
}

func (f *fakeBackend) GetBatchUploads(ctx context.Context, batchID int64) ([]store.UploadRequest, error) {
	return nil, nil
}

func newSession(backend Backend) (*Session, *Conn) {
	conn := newConn(nil)
	h := New(&fakeStats{})
	return &Session{conn: conn, hub: h, backend: backend, identity: Identity{UserID: "u1", Username: "Alice"}}, conn
}

func TestHandleUnknownTypeRepliesWithoutClosing(t *testing.T) {
	session, conn := newSession(&fakeBackend{})

	session.handle(context.Background(), []byte(`{"type":"NOPE"}`))

	msg := receive(t, conn)
	assert.Check(t, is.Equal(msg.Type, MsgError))
	select {
	case <-conn.done:
		t.Fatal("connection was closed on a bad message")
	default:
	}
}

func TestHandleUpload(t *testing.T) {
	backend := &fakeBackend{}
	session, conn := newSession(backend)

	session.handle(context.Background(), []byte(`{"type":"UPLOAD","data":{"handler":"mapillary","items":[{"key":"img-1","filename":"A.jpg","wikitext":"w"}]}}`))

	msg := receive(t, conn)
	assert.Check(t, is.Equal(msg.Type, MsgUploadCreated))
	views, ok := msg.Data.([]UploadView)
	assert.Assert(t, ok)
	assert.Check(t, is.Len(views, 1))
	assert.Check(t, is.Equal(views[0].Key, "img-1"))
	assert.Check(t, is.Len(backend.uploads, 1))
}

func TestHandleUploadEmptyItems(t *testing.T) {
	session, conn := newSession(&fakeBackend{})

	session.handle(context.Background(), []byte(`{"type":"UPLOAD","data":{"handler":"mapillary","items":[]}}`))

	assert.Check(t, is.Equal(receive(t, conn).Type, MsgError))
}

func TestHandleUploadBackendError(t *testing.T) {
	session, conn := newSession(&fakeBackend{uploadErr: errors.New("db down")})

	session.handle(context.Background(), []byte(`{"type":"UPLOAD","data":{"handler":"mapillary","items":[{"key":"k","filename":"f","wikitext":"w"}]}}`))

	msg := receive(t, conn)
	assert.Check(t, is.Equal(msg.Type, MsgError))
	assert.Check(t, is.Equal(msg.Data, "db down"))
}

func TestHandleSubscribeBatch(t *testing.T) {
	session, conn := newSession(&fakeBackend{})

	session.handle(context.Background(), []byte(`{"type":"SUBSCRIBE_BATCH","data":42}`))

	msg := receive(t, conn)
	assert.Check(t, is.Equal(msg.Type, MsgSubscribed))
	assert.Check(t, is.Equal(msg.Data, int64(42)))

	// Deltas for the batch now reach this connection.
	session.hub.Publish(store.UploadDelta{ID: 1, BatchID: 42, Status: store.StatusInProgress})
	assert.Check(t, is.Equal(receive(t, conn).Type, MsgUploadsUpdate))
}
