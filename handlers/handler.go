// Package handlers defines the provider adapter contract ("handlers" in
// the tool's UI) and the registry resolving a provider tag to an
// implementation. A handler normalizes a provider's API into MediaImage
// records and derives the canonical proposed SDC claim list for an image.
package handlers

import (
	"context"
	"time"

	"github.com/wikimedia/commons-curator/sdc"
)

// ImageDates holds the provider-reported capture time. Times serialize as
// ISO-8601 with a Z suffix.
type ImageDates struct {
	Taken time.Time `json:"taken"`
}

// ImageCreator identifies the photographer on the provider side.
type ImageCreator struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	ProfileURL string `json:"profile_url,omitempty"`
}

// ImageURLs are the provider-hosted renditions of the image. Original is
// what the worker downloads and uploads to the wiki.
type ImageURLs struct {
	Original  string `json:"original"`
	Preview   string `json:"preview,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Page      string `json:"page,omitempty"`
}

// ImageLocation is the capture position.
type ImageLocation struct {
	Lat          float64  `json:"lat"`
	Lon          float64  `json:"lon"`
	CompassAngle *float64 `json:"compass_angle,omitempty"`
}

// ImageDimensions is the pixel size of the original.
type ImageDimensions struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// ImageCamera is optional EXIF-derived camera info.
type ImageCamera struct {
	Make   string `json:"make,omitempty"`
	Model  string `json:"model,omitempty"`
	IsPano bool   `json:"is_pano,omitempty"`
}

// MediaImage is the normalized image record every handler produces.
type MediaImage struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Dates      ImageDates      `json:"dates"`
	Creator    ImageCreator    `json:"creator"`
	URLs       ImageURLs       `json:"urls"`
	Location   *ImageLocation  `json:"location,omitempty"`
	Dimensions ImageDimensions `json:"dimensions"`
	Camera     *ImageCamera    `json:"camera,omitempty"`
	License    string          `json:"license,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
}

// ExistingPage is a Commons file page already referencing a provider image
// id through SDC.
type ExistingPage struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Handler is a provider capability set identified by a string tag.
type Handler interface {
	// Tag returns the provider tag, e.g. "mapillary".
	Tag() string

	// FetchCollection returns the full set of images in an album or
	// sequence, keyed by image id. Unknown inputs yield a not-found
	// error; HTTP failures an upstream error.
	FetchCollection(ctx context.Context, input string) (map[string]MediaImage, error)

	// FetchImageMetadata resolves one image. When collection is non-empty
	// the collection is fetched and the image must be found inside it;
	// otherwise a single-image lookup is performed.
	FetchImageMetadata(ctx context.Context, imageID, collection string) (MediaImage, error)

	// FetchExistingPages returns, per image id, the Commons file pages
	// that already reference that provider image id via SDC.
	FetchExistingPages(ctx context.Context, imageIDs []string) (map[string][]ExistingPage, error)

	// BuildSDC derives the canonical proposed claim list for the image.
	// It is purely functional: the same MediaImage always yields the same
	// statements.
	BuildSDC(image MediaImage) []sdc.Statement
}
