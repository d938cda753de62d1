package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/sdc"
)

// Mapillary constants: the Graph API endpoint, the Mapillary photo-id
// property and operator entity on Wikidata, and the platform-wide
// CC BY-SA 4.0 license entity.
const (
	mapillaryGraphURL = "https://graph.mapillary.com"

	PropMapillaryID    = "P1947"
	EntityMapillary    = "Q17985028"
	EntityCCBYSA4      = "Q18199165"
	mapillaryImagePage = "https://www.mapillary.com/app/?focus=photo&pKey=%s"
)

const mapillaryImageFields = "id,captured_at,compass_angle,computed_geometry,creator,height,width,is_pano,make,model,thumb_original_url,thumb_1024_url,thumb_256_url"

// ExistingPageFinder locates Commons file pages already carrying a
// provider's photo-id statement.
type ExistingPageFinder interface {
	FindByPhotoID(ctx context.Context, property string, imageIDs []string) (map[string][]ExistingPage, error)
}

// Mapillary serves street-level imagery from the Mapillary Graph API. A
// collection input is a sequence id.
type Mapillary struct {
	token    string
	http     *http.Client
	graphURL string
	pages    ExistingPageFinder
}

// NewMapillary builds the handler. token is the server-side Graph API
// token; pages locates already-uploaded images on the wiki.
func NewMapillary(token string, httpClient *http.Client, pages ExistingPageFinder) *Mapillary {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Mapillary{
		token:    token,
		http:     httpClient,
		graphURL: mapillaryGraphURL,
		pages:    pages,
	}
}

func (m *Mapillary) Tag() string { return "mapillary" }

type mapillaryImage struct {
	ID               string  `json:"id"`
	CapturedAt       int64   `json:"captured_at"`
	CompassAngle     float64 `json:"compass_angle"`
	ComputedGeometry *struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"computed_geometry"`
	Creator *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"creator"`
	Height           int    `json:"height"`
	Width            int    `json:"width"`
	IsPano           bool   `json:"is_pano"`
	Make             string `json:"make"`
	Model            string `json:"model"`
	ThumbOriginalURL string `json:"thumb_original_url"`
	Thumb1024URL     string `json:"thumb_1024_url"`
	Thumb256URL      string `json:"thumb_256_url"`
}

func (m *Mapillary) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("access_token", m.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.graphURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return errdefs.Unavailable(errors.Wrap(err, "calling mapillary"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errdefs.Unavailable(err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errdefs.NotFound(errors.Errorf("mapillary resource %s not found", path))
	case resp.StatusCode >= 500:
		return errdefs.Unavailable(errors.Errorf("mapillary returned HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return errors.Errorf("mapillary returned HTTP %d: %s", resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, out)
}

// FetchCollection resolves every image of a sequence, keyed by image id.
func (m *Mapillary) FetchCollection(ctx context.Context, input string) (map[string]MediaImage, error) {
	var ids struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := m.get(ctx, "/image_ids", url.Values{"sequence_id": {input}}, &ids)
	if err != nil {
		return nil, errors.Wrapf(err, "listing sequence %s", input)
	}
	if len(ids.Data) == 0 {
		return nil, errdefs.NotFound(errors.Errorf("sequence %s has no images", input))
	}

	images := make(map[string]MediaImage, len(ids.Data))
	for _, entry := range ids.Data {
		image, err := m.fetchOne(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		images[entry.ID] = image
	}
	return images, nil
}

// FetchImageMetadata resolves one image. With a collection given, the
// image must exist inside that sequence.
func (m *Mapillary) FetchImageMetadata(ctx context.Context, imageID, collection string) (MediaImage, error) {
	if collection == "" {
		return m.fetchOne(ctx, imageID)
	}
	images, err := m.FetchCollection(ctx, collection)
	if err != nil {
		return MediaImage{}, err
	}
	image, ok := images[imageID]
	if !ok {
		return MediaImage{}, errdefs.NotFound(errors.New("Image data not found in sequence"))
	}
	return image, nil
}

func (m *Mapillary) fetchOne(ctx context.Context, imageID string) (MediaImage, error) {
	var raw mapillaryImage
	err := m.get(ctx, "/"+imageID, url.Values{"fields": {mapillaryImageFields}}, &raw)
	if err != nil {
		return MediaImage{}, errors.Wrapf(err, "fetching image %s", imageID)
	}
	return raw.toMediaImage(), nil
}

func (img mapillaryImage) toMediaImage() MediaImage {
	out := MediaImage{
		ID:    img.ID,
		Dates: ImageDates{Taken: time.UnixMilli(img.CapturedAt).UTC()},
		URLs: ImageURLs{
			Original:  img.ThumbOriginalURL,
			Preview:   img.Thumb1024URL,
			Thumbnail: img.Thumb256URL,
			Page:      fmt.Sprintf(mapillaryImagePage, img.ID),
		},
		Dimensions: ImageDimensions{Width: img.Width, Height: img.Height},
		License:    "CC-BY-SA-4.0",
	}
	if img.Creator != nil {
		out.Creator = ImageCreator{
			ID:         img.Creator.ID,
			Username:   img.Creator.Username,
			ProfileURL: "https://www.mapillary.com/app/user/" + img.Creator.Username,
		}
	}
	if img.ComputedGeometry != nil && len(img.ComputedGeometry.Coordinates) == 2 {
		angle := img.CompassAngle
		out.Location = &ImageLocation{
			// GeoJSON order: longitude first.
			Lat:          img.ComputedGeometry.Coordinates[1],
			Lon:          img.ComputedGeometry.Coordinates[0],
			CompassAngle: &angle,
		}
	}
	if img.Make != "" || img.Model != "" || img.IsPano {
		out.Camera = &ImageCamera{Make: img.Make, Model: img.Model, IsPano: img.IsPano}
	}
	return out
}

// FetchExistingPages searches Commons for file pages already carrying
// the Mapillary id of each image.
func (m *Mapillary) FetchExistingPages(ctx context.Context, imageIDs []string) (map[string][]ExistingPage, error) {
	return m.pages.FindByPhotoID(ctx, PropMapillaryID, imageIDs)
}

// BuildSDC derives the canonical claim list for a Mapillary image.
func (m *Mapillary) BuildSDC(image MediaImage) []sdc.Statement {
	statements := []sdc.Statement{
		NewCreator(image.Creator),
		NewSource(EntityMapillary, image.URLs.Page),
		NewInception(image.Dates.Taken),
		NewPhotoID(PropMapillaryID, image.ID),
	}
	if image.Location != nil {
		statements = append(statements, NewCoordinates(image.Location.Lat, image.Location.Lon, image.Location.CompassAngle))
	}
	return append(statements, NewLicense(EntityCCBYSA4)...)
}
