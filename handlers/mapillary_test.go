package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/sdc"
)

const mapillaryImageJSON = `{
	"id": "img-1",
	"captured_at": 1672531200000,
	"compass_angle": 73.5,
	"computed_geometry": {"type": "Point", "coordinates": [-0.1276, 51.5072]},
	"creator": {"id": "c1", "username": "streetmapper"},
	"height": 3000,
	"width": 4000,
	"make": "GoPro",
	"model": "Max",
	"thumb_original_url": "https://cdn.example/img-1-orig.jpg",
	"thumb_1024_url": "https://cdn.example/img-1-1024.jpg",
	"thumb_256_url": "https://cdn.example/img-1-256.jpg"
}`

type stubPageFinder struct {
	property string
	ids      []string
	pages    map[string][]ExistingPage
}

func (s *stubPageFinder) FindByPhotoID(ctx context.Context, property string, imageIDs []string) (map[string][]ExistingPage, error) {
	s.property = property
	s.ids = imageIDs
	return s.pages, nil
}

func testMapillary(t *testing.T, handler http.HandlerFunc) (*Mapillary, *stubPageFinder) {
	t.Helper()
	if handler == nil {
		handler = http.NotFound
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	finder := &stubPageFinder{}
	m := NewMapillary("graph-token", server.Client(), finder)
	m.graphURL = server.URL
	return m, finder
}

func TestMapillaryFetchImageMetadata(t *testing.T) {
	m, _ := testMapillary(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, is.Equal(r.URL.Query().Get("access_token"), "graph-token"))
		fmt.Fprint(w, mapillaryImageJSON)
	})

	image, err := m.FetchImageMetadata(context.Background(), "img-1", "")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(image.ID, "img-1"))
	assert.Check(t, is.Equal(image.Dates.Taken.Format("2006-01-02"), "2023-01-01"))
	assert.Check(t, is.Equal(image.Creator.Username, "streetmapper"))
	assert.Check(t, is.Equal(image.URLs.Original, "https://cdn.example/img-1-orig.jpg"))
	assert.Assert(t, image.Location != nil)
	assert.Check(t, is.Equal(image.Location.Lat, 51.5072))
	assert.Check(t, is.Equal(image.Location.Lon, -0.1276))
	assert.Check(t, is.Equal(*image.Location.CompassAngle, 73.5))
	assert.Assert(t, image.Camera != nil)
	assert.Check(t, is.Equal(image.Camera.Make, "GoPro"))
}

func TestMapillaryFetchCollection(t *testing.T) {
	m, _ := testMapillary(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/image_ids") {
			assert.Check(t, is.Equal(r.URL.Query().Get("sequence_id"), "seq-1"))
			fmt.Fprint(w, `{"data":[{"id":"img-1"}]}`)
			return
		}
		fmt.Fprint(w, mapillaryImageJSON)
	})

	images, err := m.FetchCollection(context.Background(), "seq-1")
	assert.NilError(t, err)
	assert.Check(t, is.Len(images, 1))
	assert.Check(t, is.Equal(images["img-1"].ID, "img-1"))
}

func TestMapillaryImageMissingFromSequence(t *testing.T) {
	m, _ := testMapillary(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/image_ids") {
			fmt.Fprint(w, `{"data":[{"id":"other"}]}`)
			return
		}
		fmt.Fprint(w, `{"id":"other"}`)
	})

	_, err := m.FetchImageMetadata(context.Background(), "img-1", "seq-1")
	assert.Check(t, errdefs.IsNotFound(err))
	assert.Check(t, is.ErrorContains(err, "Image data not found in sequence"))
}

func TestMapillaryUnknownSequence(t *testing.T) {
	m, _ := testMapillary(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := m.FetchCollection(context.Background(), "seq-nope")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestMapillaryServerErrorIsUnavailable(t *testing.T) {
	m, _ := testMapillary(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := m.FetchImageMetadata(context.Background(), "img-1", "")
	assert.Check(t, errdefs.IsUnavailable(err))
}

func TestMapillaryFetchExistingPages(t *testing.T) {
	m, finder := testMapillary(t, nil)
	finder.pages = map[string][]ExistingPage{"img-1": {{Title: "File:X.jpg"}}}

	pages, err := m.FetchExistingPages(context.Background(), []string{"img-1"})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(finder.property, PropMapillaryID))
	assert.Check(t, is.Len(pages["img-1"], 1))
}

func TestMapillaryBuildSDCDeterministic(t *testing.T) {
	m := NewMapillary("t", nil, nil)
	image := mustImage(t, m)

	first := m.BuildSDC(image)
	second := m.BuildSDC(image)
	assert.DeepEqual(t, first, second)

	properties := make([]string, len(first))
	for i, s := range first {
		properties[i] = s.MainSnak.Property
	}
	assert.DeepEqual(t, properties, []string{
		PropCreator, PropSourceOfFile, PropInception, PropMapillaryID,
		PropCoordinates, PropLicense, PropCopyrightStatus,
	})

	// The photo-id statement carries the Mapillary id as a plain string.
	photoID := first[3]
	assert.Check(t, is.Equal(photoID.MainSnak.DataValue.Value.(sdc.StringValue), sdc.StringValue("img-1")))
}

func mustImage(t *testing.T, m *Mapillary) MediaImage {
	t.Helper()
	var raw mapillaryImage
	assert.NilError(t, json.Unmarshal([]byte(mapillaryImageJSON), &raw))
	return raw.toMediaImage()
}
