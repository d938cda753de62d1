package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/errdefs"
)

// CommonsSearch finds file pages by SDC statement through the public
// search API. Reads are unauthenticated.
type CommonsSearch struct {
	endpoint string
	http     *http.Client
}

// NewCommonsSearch builds a finder against the given action API
// endpoint; empty means Commons.
func NewCommonsSearch(endpoint string, httpClient *http.Client) *CommonsSearch {
	if endpoint == "" {
		endpoint = "https://commons.wikimedia.org/w/api.php"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CommonsSearch{endpoint: endpoint, http: httpClient}
}

// FindByPhotoID maps each image id to the file pages whose SDC carries
// property=id. An empty id list returns an empty map without a request.
func (c *CommonsSearch) FindByPhotoID(ctx context.Context, property string, imageIDs []string) (map[string][]ExistingPage, error) {
	pages := make(map[string][]ExistingPage, len(imageIDs))
	for _, id := range imageIDs {
		found, err := c.search(ctx, fmt.Sprintf("haswbstatement:%s=%s", property, id))
		if err != nil {
			return nil, errors.Wrapf(err, "searching pages for image %s", id)
		}
		pages[id] = found
	}
	return pages, nil
}

func (c *CommonsSearch) search(ctx context.Context, query string) ([]ExistingPage, error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"list":          {"search"},
		"srsearch":      {query},
		"srnamespace":   {"6"},
		"srlimit":       {"10"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.Unavailable(errors.Wrap(err, "calling commons search"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errdefs.Unavailable(err)
	}
	if resp.StatusCode != http.StatusOK {
		err := errors.Errorf("commons search returned HTTP %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, errdefs.Unavailable(err)
		}
		return nil, err
	}

	var res struct {
		Query struct {
			Search []struct {
				Title string `json:"title"`
			} `json:"search"`
		} `json:"query"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "decoding search response")
	}

	pages := make([]ExistingPage, len(res.Query.Search))
	for i, hit := range res.Query.Search {
		pages[i] = ExistingPage{
			Title: hit.Title,
			URL:   c.pageURL(hit.Title),
		}
	}
	return pages, nil
}

func (c *CommonsSearch) pageURL(title string) string {
	base := strings.TrimSuffix(c.endpoint, "/w/api.php")
	return base + "/wiki/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
}
