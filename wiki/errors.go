package wiki

import "fmt"

// HashLockError reports that the named lock for a content hash is held by
// another worker. It is transient: the worker surfaces it to the retry
// driver unchanged instead of failing the job.
type HashLockError struct {
	SHA1 string
}

func (e HashLockError) Error() string {
	return fmt.Sprintf("upload lock for content %s is held by another worker", e.SHA1)
}

// Unavailable marks the error as retriable for errdefs classification.
func (HashLockError) Unavailable() {}

// BlacklistError reports that the wiki's title blacklist rejects the
// target title. It is terminal.
type BlacklistError struct {
	Title  string
	Reason string
}

func (e BlacklistError) Error() string {
	return fmt.Sprintf("title %q is blacklisted: %s", e.Title, e.Reason)
}

// Forbidden marks the error as non-retriable policy rejection.
func (BlacklistError) Forbidden() {}

// UpstreamError carries a failed HTTP exchange with the wiki or a
// provider. 5xx responses are transient.
type UpstreamError struct {
	Status int
	Body   string
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.Status, e.Body)
}

// Retriable reports whether the upstream failure is worth retrying. Only
// server-side failures are; 4xx responses are terminal on first sight.
func (e UpstreamError) Retriable() bool {
	return e.Status >= 500
}
