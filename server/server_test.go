package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/hub"
	"github.com/wikimedia/commons-curator/store"
)

type fakeAuth struct {
	identity hub.Identity
	err      error
}

func (f *fakeAuth) Authenticate(r *http.Request) (hub.Identity, error) {
	return f.identity, f.err
}

type nopBackend struct{}

func (nopBackend) FetchCollection(ctx context.Context, handlerTag, input string) (hub.CollectionImages, error) {
	return hub.CollectionImages{}, nil
}

func (nopBackend) EnqueueUploads(ctx context.Context, id hub.Identity, handlerTag string, items []store.NewUpload) ([]store.UploadRequest, error) {
	return nil, nil
}

func (nopBackend) ListBatches(ctx context.Context, id hub.Identity, opts store.ListBatchesOptions) (hub.BatchesList, error) {
	return hub.BatchesList{}, nil
}

func (nopBackend) GetBatchUploads(ctx context.Context, batchID int64) ([]store.UploadRequest, error) {
	return nil, nil
}

func newTestServer(auth *fakeAuth) *Server {
	return New(Options{
		Hub:     hub.New(nil),
		Backend: nopBackend{},
		Auth:    auth,
	})
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeAuth{})
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
	assert.Check(t, is.Equal(rec.Body.String(), `{"status":"ok"}`))
}

func TestMetricsExposed(t *testing.T) {
	srv := newTestServer(&fakeAuth{})
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
}

func TestWSRejectsUnauthenticated(t *testing.T) {
	srv := newTestServer(&fakeAuth{err: errdefs.Unauthorized(errors.New("no session"))})
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Check(t, is.Equal(rec.Code, http.StatusUnauthorized))
	var body map[string]string
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Check(t, is.Equal(body["detail"], "no session"))
}

func TestStatusFromError(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{errdefs.NotFound(errors.New("x")), http.StatusNotFound},
		{errdefs.InvalidParameter(errors.New("x")), http.StatusBadRequest},
		{errdefs.Conflict(errors.New("x")), http.StatusConflict},
		{errdefs.Unauthorized(errors.New("x")), http.StatusUnauthorized},
		{errdefs.Forbidden(errors.New("x")), http.StatusForbidden},
		{errdefs.Unavailable(errors.New("x")), http.StatusServiceUnavailable},
		{errors.New("x"), http.StatusInternalServerError},
	} {
		assert.Check(t, is.Equal(statusFromError(tc.err), tc.want))
	}
}
