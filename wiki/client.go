// Package wiki defines the contract the upload worker consumes to talk to
// a MediaWiki-family wiki, plus the hash lock that serializes uploads of
// identical content. The concrete HTTP client lives outside the core; the
// worker only depends on the Client interface so it can be driven with
// fakes in tests.
package wiki

import (
	"context"

	"github.com/wikimedia/commons-curator/sdc"
	"github.com/wikimedia/commons-curator/sealed"
)

// ErrorLink points a user at an already-existing file page. URL is always
// the file page URL (/wiki/File:...), never the direct file URL.
type ErrorLink struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// UploadReceipt is the outcome of a successful chunked upload.
type UploadReceipt struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Client is the per-job wiki session, constructed from an unsealed access
// token and the acting username.
type Client interface {
	// CheckTitleBlacklisted consults the wiki's title-blacklist endpoint.
	CheckTitleBlacklisted(ctx context.Context, title string) (bool, string, error)

	// FindDuplicates returns all File pages whose content SHA-1 matches.
	FindDuplicates(ctx context.Context, contentSHA1 string) ([]ErrorLink, error)

	// UploadChunked uploads the local file in chunks under the target
	// title. While another worker holds the hash lock for the same content
	// it fails with a HashLockError, which the caller must pass through to
	// the retry driver unchanged.
	UploadChunked(ctx context.Context, localPath, targetTitle, wikitext, editSummary, editGroup string) (UploadReceipt, error)

	// GetExistingClaims fetches the current SDC claim list for a title.
	// found is false when the page does not exist yet.
	GetExistingClaims(ctx context.Context, title string) (statements []sdc.Statement, found bool, err error)

	// ApplySDC writes the merged claim list and triggers a null edit.
	ApplySDC(ctx context.Context, title string, statements []sdc.Statement, editSummary string) error
}

// ClientFactory builds a Client for one job.
type ClientFactory func(token sealed.Token, username string) (Client, error)
