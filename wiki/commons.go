package wiki

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/sdc"
	"github.com/wikimedia/commons-curator/sealed"
)

// DefaultEndpoint is the Commons action API.
const DefaultEndpoint = "https://commons.wikimedia.org/w/api.php"

// defaultChunkSize matches the Commons recommendation for chunked
// uploads.
const defaultChunkSize = 5 << 20

// CommonsOptions configures the concrete client shared by all jobs.
type CommonsOptions struct {
	Endpoint       string
	HTTPClient     *http.Client
	ConsumerKey    string
	ConsumerSecret string
	Locks          *HashLock
	ChunkSize      int64
}

// NewCommonsFactory returns a ClientFactory building one Commons session
// per job, signed with the job owner's access token.
func NewCommonsFactory(opts CommonsOptions) ClientFactory {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Locks == nil {
		opts.Locks = NewHashLock(0)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	return func(token sealed.Token, username string) (Client, error) {
		return &Commons{
			endpoint: opts.Endpoint,
			http:     opts.HTTPClient,
			signer: newOAuthSigner(oauthCredentials{
				ConsumerKey:    opts.ConsumerKey,
				ConsumerSecret: opts.ConsumerSecret,
				TokenKey:       token.Key,
				TokenSecret:    token.Secret,
			}),
			locks:     opts.Locks,
			username:  username,
			chunkSize: opts.ChunkSize,
		}, nil
	}
}

// Commons talks to the MediaWiki action API on behalf of one user.
type Commons struct {
	endpoint  string
	http      *http.Client
	signer    *oauthSigner
	locks     *HashLock
	username  string
	chunkSize int64
}

// apiError is the MediaWiki action API error envelope.
type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("wiki api error %s: %s", e.Code, e.Info)
}

// classify maps well-known API error codes onto errdefs classes.
func (e *apiError) classify() error {
	switch e.Code {
	case "mwoauth-invalid-authorization", "assertuserfailed", "notloggedin":
		return errdefs.Unauthorized(e)
	case "permissiondenied", "protectedpage":
		return errdefs.Forbidden(e)
	case "missingtitle", "nosuchentity":
		return errdefs.NotFound(e)
	case "ratelimited", "readonly", "maxlag":
		return errdefs.Unavailable(e)
	default:
		return e
	}
}

func (c *Commons) call(ctx context.Context, form url.Values, out any) error {
	form.Set("format", "json")
	form.Set("formatversion", "2")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.signer.Authorize(req, form)

	return c.do(req, out)
}

// callUpload posts one multipart frame of a chunked upload. Only query
// and oauth parameters are signed for multipart bodies.
func (c *Commons) callUpload(ctx context.Context, fields map[string]string, chunkName string, chunk []byte, out any) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return err
		}
	}
	if chunk != nil {
		part, err := mw.CreateFormFile("chunk", chunkName)
		if err != nil {
			return err
		}
		if _, err := part.Write(chunk); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?format=json&formatversion=2", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.signer.Authorize(req, nil)

	return c.do(req, out)
}

func (c *Commons) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Unavailable(errors.Wrap(err, "calling wiki api"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errdefs.Unavailable(err)
	}
	if resp.StatusCode != http.StatusOK {
		upErr := UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if upErr.Retriable() {
			return errdefs.Unavailable(upErr)
		}
		return upErr
	}

	var envelope struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.Wrap(err, "decoding wiki api response")
	}
	if envelope.Error != nil {
		return envelope.Error.classify()
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (c *Commons) csrfToken(ctx context.Context) (string, error) {
	var res struct {
		Query struct {
			Tokens struct {
				CSRFToken string `json:"csrftoken"`
			} `json:"tokens"`
		} `json:"query"`
	}
	err := c.call(ctx, url.Values{
		"action": {"query"},
		"meta":   {"tokens"},
		"type":   {"csrf"},
	}, &res)
	if err != nil {
		return "", errors.Wrap(err, "fetching csrf token")
	}
	if res.Query.Tokens.CSRFToken == "" {
		return "", errors.New("wiki api returned an empty csrf token")
	}
	return res.Query.Tokens.CSRFToken, nil
}

// CheckTitleBlacklisted consults the TitleBlacklist extension for the
// would-be file page.
func (c *Commons) CheckTitleBlacklisted(ctx context.Context, title string) (bool, string, error) {
	var res struct {
		TitleBlacklist struct {
			Result  string `json:"result"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"titleblacklist"`
	}
	err := c.call(ctx, url.Values{
		"action":   {"titleblacklist"},
		"tbtitle":  {"File:" + title},
		"tbaction": {"create"},
	}, &res)
	if err != nil {
		return false, "", err
	}
	if res.TitleBlacklist.Result != "blacklisted" {
		return false, "", nil
	}
	reason := res.TitleBlacklist.Reason
	if reason == "" {
		reason = res.TitleBlacklist.Message
	}
	return true, reason, nil
}

// FindDuplicates lists file pages whose content SHA-1 matches. The links
// point at the file pages, not the media itself.
func (c *Commons) FindDuplicates(ctx context.Context, contentSHA1 string) ([]ErrorLink, error) {
	var res struct {
		Query struct {
			AllImages []struct {
				Title          string `json:"title"`
				DescriptionURL string `json:"descriptionurl"`
			} `json:"allimages"`
		} `json:"query"`
	}
	err := c.call(ctx, url.Values{
		"action":  {"query"},
		"list":    {"allimages"},
		"aisha1":  {contentSHA1},
		"aiprop":  {"url|canonicaltitle"},
		"ailimit": {"50"},
	}, &res)
	if err != nil {
		return nil, errors.Wrap(err, "searching for duplicates")
	}

	links := make([]ErrorLink, len(res.Query.AllImages))
	for i, img := range res.Query.AllImages {
		links[i] = ErrorLink{Title: img.Title, URL: img.DescriptionURL}
	}
	return links, nil
}

type uploadResponse struct {
	Upload struct {
		Result    string `json:"result"`
		FileKey   string `json:"filekey"`
		ImageInfo struct {
			CanonicalTitle string `json:"canonicaltitle"`
			DescriptionURL string `json:"descriptionurl"`
		} `json:"imageinfo"`
	} `json:"upload"`
}

// UploadChunked stashes the file in chunks, then commits it under the
// target title. The content hash lock is held for the whole exchange so
// two workers can never race identical bytes past the wiki's own
// duplicate detection.
func (c *Commons) UploadChunked(ctx context.Context, localPath, targetTitle, wikitext, editSummary, editGroup string) (UploadReceipt, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return UploadReceipt{}, errors.Wrap(err, "opening upload")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return UploadReceipt{}, err
	}

	digest := sha1.New()
	if _, err := io.Copy(digest, f); err != nil {
		return UploadReceipt{}, err
	}
	contentSHA1 := hex.EncodeToString(digest.Sum(nil))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return UploadReceipt{}, err
	}

	release, err := c.locks.TryAcquire(contentSHA1, c.username)
	if err != nil {
		return UploadReceipt{}, err
	}
	defer release()

	token, err := c.csrfToken(ctx)
	if err != nil {
		return UploadReceipt{}, err
	}

	fileKey, err := c.stashChunks(ctx, f, info.Size(), targetTitle, token)
	if err != nil {
		return UploadReceipt{}, err
	}

	comment := editSummary
	if editGroup != "" {
		comment = fmt.Sprintf("%s ([[:toollabs:editgroups/b/curator/%s|details]])", editSummary, editGroup)
	}

	var res uploadResponse
	err = c.call(ctx, url.Values{
		"action":         {"upload"},
		"filename":       {targetTitle},
		"filekey":        {fileKey},
		"text":           {wikitext},
		"comment":        {comment},
		"ignorewarnings": {"1"},
		"token":          {token},
	}, &res)
	if err != nil {
		return UploadReceipt{}, errors.Wrap(err, "committing upload")
	}
	if res.Upload.Result != "Success" {
		return UploadReceipt{}, errors.Errorf("upload finished with result %q", res.Upload.Result)
	}
	return UploadReceipt{
		Title: res.Upload.ImageInfo.CanonicalTitle,
		URL:   res.Upload.ImageInfo.DescriptionURL,
	}, nil
}

func (c *Commons) stashChunks(ctx context.Context, f io.Reader, size int64, targetTitle, token string) (string, error) {
	buf := make([]byte, c.chunkSize)
	var offset int64
	var fileKey string

	for offset < size {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return "", errors.Wrap(err, "reading chunk")
		}
		if n == 0 {
			break
		}

		fields := map[string]string{
			"action":   "upload",
			"stash":    "1",
			"filename": targetTitle,
			"filesize": strconv.FormatInt(size, 10),
			"offset":   strconv.FormatInt(offset, 10),
			"token":    token,
		}
		if fileKey != "" {
			fields["filekey"] = fileKey
		}

		var res uploadResponse
		if err := c.callUpload(ctx, fields, targetTitle, buf[:n], &res); err != nil {
			return "", errors.Wrapf(err, "stashing chunk at offset %d", offset)
		}
		if res.Upload.Result != "Continue" && res.Upload.Result != "Success" {
			return "", errors.Errorf("chunk at offset %d got result %q", offset, res.Upload.Result)
		}
		fileKey = res.Upload.FileKey
		offset += int64(n)
	}

	if fileKey == "" {
		return "", errors.New("upload stash produced no file key")
	}
	return fileKey, nil
}

// pageEntityID resolves a page title to its MediaInfo entity id (M-id).
func (c *Commons) pageEntityID(ctx context.Context, title string) (string, bool, error) {
	var res struct {
		Query struct {
			Pages []struct {
				PageID  int64 `json:"pageid"`
				Missing bool  `json:"missing"`
			} `json:"pages"`
		} `json:"query"`
	}
	err := c.call(ctx, url.Values{
		"action": {"query"},
		"titles": {title},
		"prop":   {"info"},
	}, &res)
	if err != nil {
		return "", false, errors.Wrap(err, "resolving page")
	}
	if len(res.Query.Pages) == 0 || res.Query.Pages[0].Missing {
		return "", false, nil
	}
	return fmt.Sprintf("M%d", res.Query.Pages[0].PageID), true, nil
}

// GetExistingClaims fetches the page's current MediaInfo statements.
// found is false when the page itself does not exist; a page without any
// structured data yet yields an empty list with found true.
func (c *Commons) GetExistingClaims(ctx context.Context, title string) ([]sdc.Statement, bool, error) {
	entityID, found, err := c.pageEntityID(ctx, title)
	if err != nil || !found {
		return nil, false, err
	}

	var res struct {
		Entities map[string]struct {
			Missing    *bool                      `json:"missing,omitempty"`
			Statements map[string][]sdc.Statement `json:"statements"`
		} `json:"entities"`
	}
	err = c.call(ctx, url.Values{
		"action": {"wbgetentities"},
		"ids":    {entityID},
	}, &res)
	if err != nil {
		return nil, false, errors.Wrap(err, "fetching structured data")
	}

	entity, ok := res.Entities[entityID]
	if !ok || entity.Missing != nil {
		return nil, true, nil
	}

	properties := make([]string, 0, len(entity.Statements))
	for property := range entity.Statements {
		properties = append(properties, property)
	}
	sort.Strings(properties)

	var statements []sdc.Statement
	for _, property := range properties {
		statements = append(statements, entity.Statements[property]...)
	}
	return statements, true, nil
}

// ApplySDC writes the merged claim list onto the page's MediaInfo
// entity.
func (c *Commons) ApplySDC(ctx context.Context, title string, statements []sdc.Statement, editSummary string) error {
	if len(statements) == 0 {
		return nil
	}

	entityID, found, err := c.pageEntityID(ctx, title)
	if err != nil {
		return err
	}
	if !found {
		return errdefs.NotFound(errors.Errorf("page %q does not exist", title))
	}

	data, err := json.Marshal(map[string]any{"claims": statements})
	if err != nil {
		return errors.Wrap(err, "serializing claims")
	}

	token, err := c.csrfToken(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, url.Values{
		"action":  {"wbeditentity"},
		"id":      {entityID},
		"data":    {string(data)},
		"summary": {editSummary},
		"token":   {token},
	}, nil)
}
