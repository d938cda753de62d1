package cache

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wikimedia/commons-curator/sealed"
)

func newSealedCache(t *testing.T) (*Sealed, *Memory) {
	t.Helper()
	codec, err := sealed.NewCodec(make([]byte, 32))
	assert.NilError(t, err)
	backend := NewMemory()
	return NewSealed(backend, codec), backend
}

func TestSealedRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, backend := newSealedCache(t)

	assert.NilError(t, cache.Set(ctx, "session:1", "hello", time.Minute))

	got, err := cache.Get(ctx, "session:1")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got, "hello"))

	// The backend never sees the plaintext.
	raw, err := backend.Get(ctx, "session:1")
	assert.NilError(t, err)
	assert.Check(t, raw != "hello")
}

func TestSealedMiss(t *testing.T) {
	cache, _ := newSealedCache(t)
	_, err := cache.Get(context.Background(), "absent")
	assert.Check(t, errors.Is(err, ErrMiss))
}

func TestTamperedValueBecomesMiss(t *testing.T) {
	ctx := context.Background()
	cache, backend := newSealedCache(t)

	assert.NilError(t, cache.Set(ctx, "session:1", "hello", time.Minute))
	assert.NilError(t, backend.Set(ctx, "session:1", "garbage", time.Minute))

	_, err := cache.Get(ctx, "session:1")
	assert.Check(t, errors.Is(err, ErrMiss))

	// The poisoned key was purged from the backend.
	_, err = backend.Get(ctx, "session:1")
	assert.Check(t, errors.Is(err, ErrMiss))
}

type failingDelete struct {
	*Memory
	err error
}

func (f *failingDelete) Delete(ctx context.Context, key string) error {
	return f.err
}

func TestTamperedValueDeleteFailurePropagates(t *testing.T) {
	ctx := context.Background()
	codec, err := sealed.NewCodec(make([]byte, 32))
	assert.NilError(t, err)

	backend := &failingDelete{Memory: NewMemory(), err: errors.New("backend down")}
	cache := NewSealed(backend, codec)

	assert.NilError(t, backend.Memory.Set(ctx, "session:1", "garbage", time.Minute))

	_, err = cache.Get(ctx, "session:1")
	assert.Check(t, is.ErrorContains(err, "backend down"))
	assert.Check(t, !errors.Is(err, ErrMiss))
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	now := time.Now()
	backend.now = func() time.Time { return now }

	assert.NilError(t, backend.Set(ctx, "k", "v", time.Minute))

	got, err := backend.Get(ctx, "k")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got, "v"))

	now = now.Add(2 * time.Minute)
	_, err = backend.Get(ctx, "k")
	assert.Check(t, errors.Is(err, ErrMiss))
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	now := time.Now()
	backend.now = func() time.Time { return now }

	assert.NilError(t, backend.Set(ctx, "k", "v", 0))
	now = now.Add(24 * time.Hour)

	got, err := backend.Get(ctx, "k")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got, "v"))
}

func TestDeletePassesThrough(t *testing.T) {
	ctx := context.Background()
	cache, backend := newSealedCache(t)

	assert.NilError(t, cache.Set(ctx, "k", "v", 0))
	assert.NilError(t, cache.Delete(ctx, "k"))

	_, err := backend.Get(ctx, "k")
	assert.Check(t, errors.Is(err, ErrMiss))
}
