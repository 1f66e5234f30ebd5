package upstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_DisabledReturnsErrDisabled(t *testing.T) {
	c := New("http://example.invalid", false)

	_, err := c.GetPackage(context.Background(), "foo")
	require.ErrorIs(t, err, ErrDisabled)

	_, err = c.SearchPackages(context.Background(), "foo", 1)
	require.ErrorIs(t, err, ErrDisabled)

	_, err = c.GetPackagesBatch(context.Background(), []string{"foo"})
	require.ErrorIs(t, err, ErrDisabled)

	_, err = c.DownloadArchive(context.Background(), "http://example.invalid/x.tar.gz")
	require.ErrorIs(t, err, ErrDisabled)
}

func TestClient_New_DefaultsBatchConcurrency(t *testing.T) {
	c := New("http://example.invalid", true)
	assert.Equal(t, 8, c.BatchConcurrency)
}
