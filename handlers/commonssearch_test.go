package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestCommonsSearchFindByPhotoID(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("srsearch"))
		fmt.Fprint(w, `{"query":{"search":[{"title":"File:Street view.jpg"}]}}`)
	}))
	t.Cleanup(server.Close)

	finder := NewCommonsSearch(server.URL+"/w/api.php", server.Client())
	pages, err := finder.FindByPhotoID(context.Background(), PropMapillaryID, []string{"img-1"})
	assert.NilError(t, err)

	assert.Check(t, is.DeepEqual(queries, []string{"haswbstatement:P1947=img-1"}))
	assert.Assert(t, is.Len(pages["img-1"], 1))
	assert.Check(t, is.Equal(pages["img-1"][0].Title, "File:Street view.jpg"))
	assert.Check(t, is.Equal(pages["img-1"][0].URL, server.URL+"/wiki/File:Street_view.jpg"))
}

func TestCommonsSearchEmptyBatch(t *testing.T) {
	finder := NewCommonsSearch("", nil)
	pages, err := finder.FindByPhotoID(context.Background(), PropMapillaryID, nil)
	assert.NilError(t, err)
	assert.Check(t, is.Len(pages, 0))
}
