package worker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/wiki"
)

// downloadToTemp streams the original media into a scoped temporary file,
// computing the SHA-1 incrementally. The returned cleanup must run on
// every exit path; it is safe to call more than once.
func (w *Worker) downloadToTemp(ctx context.Context, url string) (path string, sha1hex string, cleanup func(), err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", nil, err
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if isTemporaryNetErr(err) {
			return "", "", nil, errdefs.Unavailable(err)
		}
		return "", "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		upErr := wiki.UpstreamError{Status: resp.StatusCode, Body: resp.Status}
		if upErr.Retriable() {
			return "", "", nil, errdefs.Unavailable(upErr)
		}
		return "", "", nil, upErr
	}

	f, err := os.CreateTemp(w.tmpDir, "curator-upload-*")
	if err != nil {
		return "", "", nil, errors.Wrap(err, "creating temp file")
	}
	remove := func() {
		f.Close()
		os.Remove(f.Name())
	}

	digest := sha1.New()
	if _, err := io.Copy(io.MultiWriter(f, digest), resp.Body); err != nil {
		remove()
		return "", "", nil, errdefs.Unavailable(errors.Wrap(err, "streaming download"))
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", "", nil, err
	}

	return f.Name(), hex.EncodeToString(digest.Sum(nil)), func() { os.Remove(f.Name()) }, nil
}

func isTemporaryNetErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
