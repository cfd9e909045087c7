package contenthash

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestSum_DeterministicForSameContent(t *testing.T) {
	p1 := writeTemp(t, "hello world")
	p2 := writeTemp(t, "hello world")

	h1, err := Sum(context.Background(), p1)
	require.NoError(t, err)
	h2, err := Sum(context.Background(), p2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, EncodedLen)
}

func TestSum_DiffersForDifferentContent(t *testing.T) {
	p1 := writeTemp(t, "hello world")
	p2 := writeTemp(t, "goodbye world")

	h1, err := Sum(context.Background(), p1)
	require.NoError(t, err)
	h2, err := Sum(context.Background(), p2)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestSum_CancelledContext(t *testing.T) {
	p := writeTemp(t, "hello world")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Sum(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidate_RoundTrip(t *testing.T) {
	p := writeTemp(t, "round trip me")
	h, err := Sum(context.Background(), p)
	require.NoError(t, err)

	assert.NoError(t, Validate(h))
}

func TestValidate_RejectsWrongLength(t *testing.T) {
	assert.Error(t, Validate("dG9vc2hvcnQ="))
}

func TestValidate_RejectsNonCanonical(t *testing.T) {
	// Decodes to 16 bytes, but the last data character carries non-zero
	// padding bits, so re-encoding does not reproduce the input.
	assert.Error(t, Validate("AAAAAAAAAAAAAAAAAAAAAB=="))
}

func TestWorker_SerializesConcurrentRequests(t *testing.T) {
	w := NewWorker(4)
	defer w.Close()

	paths := make([]string, 8)
	for i := range paths {
		paths[i] = writeTemp(t, "shared content")
	}

	results := make(chan string, len(paths))
	for _, p := range paths {
		p := p
		go func() {
			h, err := w.Hash(context.Background(), p)
			require.NoError(t, err)
			results <- h
		}()
	}

	first := ""
	for range paths {
		h := <-results
		if first == "" {
			first = h
		}
		assert.Equal(t, first, h)
	}
}

func TestWorker_ContextCancellationUnblocksHash(t *testing.T) {
	w := NewWorker(0)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Hash(ctx, writeTemp(t, "x"))
	assert.ErrorIs(t, err, context.Canceled)
}
