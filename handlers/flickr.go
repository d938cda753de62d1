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

// Flickr constants: the REST endpoint, the Flickr photo-id property and
// operator entity on Wikidata.
const (
	flickrRestURL = "https://api.flickr.com/services/rest"

	PropFlickrPhotoID = "P12266"
	EntityFlickr      = "Q103204"
)

// flickrLicenses maps Flickr license ids onto Wikidata license entities.
// Only the Commons-compatible subset appears; anything else yields no
// license statement and the reviewer decides.
var flickrLicenses = map[string]string{
	"4":  "Q19125117", // CC BY 2.0
	"5":  "Q19068220", // CC BY-SA 2.0
	"9":  "Q6938433",  // CC0 1.0
	"10": "Q19652",    // Public Domain Mark
}

const flickrPhotoExtras = "date_taken,owner_name,license,url_o,o_dims,path_alias"

// Flickr serves photos from the Flickr REST API. A collection input is a
// photoset (album) id.
type Flickr struct {
	apiKey  string
	http    *http.Client
	restURL string
	pages   ExistingPageFinder
}

// NewFlickr builds the handler around a server-side API key.
func NewFlickr(apiKey string, httpClient *http.Client, pages ExistingPageFinder) *Flickr {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Flickr{
		apiKey:  apiKey,
		http:    httpClient,
		restURL: flickrRestURL,
		pages:   pages,
	}
}

func (f *Flickr) Tag() string { return "flickr" }

type flickrPhoto struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Owner     string `json:"owner"`
	OwnerName string `json:"ownername"`
	DateTaken string `json:"datetaken"`
	License   string `json:"license"`
	URLO      string `json:"url_o"`
	WidthO    int    `json:"width_o"`
	HeightO   int    `json:"height_o"`
}

// flickr wraps every payload in a stat envelope instead of using HTTP
// status codes.
type flickrEnvelope struct {
	Stat    string `json:"stat"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *Flickr) call(ctx context.Context, method string, params url.Values, out any) error {
	params.Set("method", method)
	params.Set("api_key", f.apiKey)
	params.Set("format", "json")
	params.Set("nojsoncallback", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.restURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return errdefs.Unavailable(errors.Wrap(err, "calling flickr"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errdefs.Unavailable(err)
	}
	if resp.StatusCode >= 500 {
		return errdefs.Unavailable(errors.Errorf("flickr returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("flickr returned HTTP %d: %s", resp.StatusCode, raw)
	}

	var envelope flickrEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.Wrap(err, "decoding flickr response")
	}
	if envelope.Stat != "ok" {
		err := errors.Errorf("flickr error %d: %s", envelope.Code, envelope.Message)
		// Code 1 is "not found" for both photos and photosets.
		if envelope.Code == 1 {
			return errdefs.NotFound(err)
		}
		return err
	}
	return json.Unmarshal(raw, out)
}

// FetchCollection resolves a photoset into its photos, keyed by photo
// id. The extras list carries everything needed so no per-photo calls
// are made.
func (f *Flickr) FetchCollection(ctx context.Context, input string) (map[string]MediaImage, error) {
	var res struct {
		Photoset struct {
			Photo []flickrPhoto `json:"photo"`
		} `json:"photoset"`
	}
	err := f.call(ctx, "flickr.photosets.getPhotos", url.Values{
		"photoset_id": {input},
		"extras":      {flickrPhotoExtras},
	}, &res)
	if err != nil {
		return nil, errors.Wrapf(err, "listing photoset %s", input)
	}

	images := make(map[string]MediaImage, len(res.Photoset.Photo))
	for _, photo := range res.Photoset.Photo {
		images[photo.ID] = photo.toMediaImage()
	}
	return images, nil
}

// FetchImageMetadata resolves one photo. With a collection given, the
// photo must exist inside that photoset.
func (f *Flickr) FetchImageMetadata(ctx context.Context, imageID, collection string) (MediaImage, error) {
	if collection != "" {
		images, err := f.FetchCollection(ctx, collection)
		if err != nil {
			return MediaImage{}, err
		}
		image, ok := images[imageID]
		if !ok {
			return MediaImage{}, errdefs.NotFound(errors.New("Image data not found in sequence"))
		}
		return image, nil
	}

	var res struct {
		Photos struct {
			Photo []flickrPhoto `json:"photo"`
		} `json:"photos"`
	}
	// getInfo has a different shape per field; a search by id with the
	// same extras keeps one parser for both paths.
	err := f.call(ctx, "flickr.photos.search", url.Values{
		"photo_id": {imageID},
		"extras":   {flickrPhotoExtras},
	}, &res)
	if err != nil {
		return MediaImage{}, errors.Wrapf(err, "fetching photo %s", imageID)
	}
	for _, photo := range res.Photos.Photo {
		if photo.ID == imageID {
			return photo.toMediaImage(), nil
		}
	}
	return MediaImage{}, errdefs.NotFound(errors.Errorf("photo %s not found", imageID))
}

func (p flickrPhoto) toMediaImage() MediaImage {
	taken, _ := time.Parse("2006-01-02 15:04:05", p.DateTaken)
	return MediaImage{
		ID:    p.ID,
		Title: p.Title,
		Dates: ImageDates{Taken: taken.UTC()},
		Creator: ImageCreator{
			ID:         p.Owner,
			Username:   p.OwnerName,
			ProfileURL: "https://www.flickr.com/people/" + p.Owner,
		},
		URLs: ImageURLs{
			Original: p.URLO,
			Page:     fmt.Sprintf("https://www.flickr.com/photos/%s/%s", p.Owner, p.ID),
		},
		Dimensions: ImageDimensions{Width: p.WidthO, Height: p.HeightO},
		License:    p.License,
	}
}

// FetchExistingPages searches Commons for file pages already carrying
// the Flickr id of each photo.
func (f *Flickr) FetchExistingPages(ctx context.Context, imageIDs []string) (map[string][]ExistingPage, error) {
	return f.pages.FindByPhotoID(ctx, PropFlickrPhotoID, imageIDs)
}

// BuildSDC derives the canonical claim list for a Flickr photo.
func (f *Flickr) BuildSDC(image MediaImage) []sdc.Statement {
	statements := []sdc.Statement{
		NewCreator(image.Creator),
		NewSource(EntityFlickr, image.URLs.Page),
		NewInception(image.Dates.Taken),
		NewPhotoID(PropFlickrPhotoID, image.ID),
	}
	if license, ok := flickrLicenses[image.License]; ok {
		statements = append(statements, NewLicense(license)...)
	}
	return statements
}
