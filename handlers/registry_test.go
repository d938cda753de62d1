package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/sdc"
)

type fakeHandler struct {
	tag    string
	images map[string]MediaImage
	calls  int
}

func (f *fakeHandler) Tag() string { return f.tag }

func (f *fakeHandler) FetchCollection(ctx context.Context, input string) (map[string]MediaImage, error) {
	f.calls++
	if input == "missing" {
		return nil, errdefs.NotFound(errors.New("collection not found"))
	}
	return f.images, nil
}

func (f *fakeHandler) FetchImageMetadata(ctx context.Context, imageID, collection string) (MediaImage, error) {
	f.calls++
	if collection != "" {
		images, err := f.FetchCollection(ctx, collection)
		if err != nil {
			return MediaImage{}, err
		}
		img, ok := images[imageID]
		if !ok {
			return MediaImage{}, errdefs.NotFound(errors.New("Image data not found in sequence"))
		}
		return img, nil
	}
	img, ok := f.images[imageID]
	if !ok {
		return MediaImage{}, errdefs.NotFound(errors.Errorf("image %s not found", imageID))
	}
	return img, nil
}

func (f *fakeHandler) FetchExistingPages(ctx context.Context, imageIDs []string) (map[string][]ExistingPage, error) {
	return map[string][]ExistingPage{}, nil
}

func (f *fakeHandler) BuildSDC(image MediaImage) []sdc.Statement {
	statements := []sdc.Statement{NewPhotoID("P1947", image.ID)}
	if image.Location != nil {
		statements = append(statements, NewCoordinates(image.Location.Lat, image.Location.Lon, image.Location.CompassAngle))
	}
	return statements
}

func TestRegistryResolvesKnownTag(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeHandler{tag: "mapillary"})

	h, err := r.Get("mapillary")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(h.Tag(), "mapillary"))
}

func TestRegistryUnknownTagIsInvalidParameter(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("pinterest")
	assert.Check(t, errdefs.IsInvalidParameter(err), "unknown handler must be a configuration error, got %v", err)
}

func TestRegistryTagsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeHandler{tag: "mapillary"})
	r.Register(&fakeHandler{tag: "flickr"})

	assert.Check(t, is.DeepEqual(r.Tags(), []string{"flickr", "mapillary"}))
}

func TestFetchImageMetadataMissingFromCollection(t *testing.T) {
	h := &fakeHandler{tag: "mapillary", images: map[string]MediaImage{"1": {ID: "1"}}}

	_, err := h.FetchImageMetadata(context.Background(), "2", "seq-1")
	assert.Check(t, errdefs.IsNotFound(err))
	assert.ErrorContains(t, err, "Image data not found in sequence")
}

func TestFetchImagesBatchEmpty(t *testing.T) {
	h := &fakeHandler{tag: "mapillary"}

	images, err := FetchImagesBatch(context.Background(), h, nil)
	assert.NilError(t, err)
	assert.Check(t, is.Len(images, 0))
	assert.Check(t, is.Equal(h.calls, 0), "an empty batch must not touch the provider")
}

func TestBuildSDCDeterministic(t *testing.T) {
	h := &fakeHandler{tag: "mapillary"}
	angle := 180.0
	img := MediaImage{
		ID:       "img-1",
		Dates:    ImageDates{Taken: time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)},
		Location: &ImageLocation{Lat: 51.5074, Lon: -0.1278, CompassAngle: &angle},
	}

	assert.Check(t, is.DeepEqual(h.BuildSDC(img), h.BuildSDC(img)))
}

func TestCoordinateBuilderAttachesHeading(t *testing.T) {
	angle := 90.0
	s := NewCoordinates(51.5074, -0.1278, &angle)

	assert.Check(t, is.DeepEqual(s.QualifiersOrder, []string{PropHeading}))
	assert.Assert(t, is.Len(s.Qualifiers[PropHeading], 1))
	q := s.Qualifiers[PropHeading][0].DataValue.Value.(sdc.QuantityValue)
	assert.Check(t, is.Equal(q.Amount, "+90"))

	plain := NewCoordinates(51.5074, -0.1278, nil)
	assert.Check(t, plain.Qualifiers == nil)
}

func TestCreatorBuilderUsesSomevalue(t *testing.T) {
	s := NewCreator(ImageCreator{ID: "u1", Username: "alice", ProfileURL: "https://example.com/alice"})

	assert.Check(t, is.Equal(s.MainSnak.SnakType, sdc.SnakSome))
	assert.Check(t, is.DeepEqual(s.QualifiersOrder, []string{PropAuthorName, PropURL}))
}
