package publish

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractAndValidate_AcceptsWellFormedArchive(t *testing.T) {
	raw := buildArchive(t, map[string]string{
		"pubspec.yaml": "name: my_pkg\nversion: 1.2.3\n",
		"lib/main.dart": "void main() {}",
	})

	ext, err := extractAndValidate(raw)
	require.NoError(t, err)
	assert.Equal(t, "my_pkg", ext.Name)
	assert.Equal(t, "1.2.3", ext.Version)
	assert.Len(t, ext.SHA256Hex, 64)
}

func TestExtractAndValidate_PrefersShallowestManifest(t *testing.T) {
	raw := buildArchive(t, map[string]string{
		"nested/pubspec.yaml": "name: wrong\nversion: 9.9.9\n",
		"pubspec.yaml":         "name: right_one\nversion: 2.0.0\n",
	})

	ext, err := extractAndValidate(raw)
	require.NoError(t, err)
	assert.Equal(t, "right_one", ext.Name)
	assert.Equal(t, "2.0.0", ext.Version)
}

func TestExtractAndValidate_RejectsMissingManifest(t *testing.T) {
	raw := buildArchive(t, map[string]string{"README.md": "hi"})

	_, err := extractAndValidate(raw)
	require.Error(t, err)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "missing_manifest", pe.Code)
}

func TestExtractAndValidate_RejectsBadPackageName(t *testing.T) {
	raw := buildArchive(t, map[string]string{
		"pubspec.yaml": "name: Not-Valid\nversion: 1.0.0\n",
	})

	_, err := extractAndValidate(raw)
	require.Error(t, err)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_name", pe.Code)
}

func TestExtractAndValidate_RejectsBadVersion(t *testing.T) {
	raw := buildArchive(t, map[string]string{
		"pubspec.yaml": "name: my_pkg\nversion: not-semver\n",
	})

	_, err := extractAndValidate(raw)
	require.Error(t, err)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_version", pe.Code)
}

func TestExtractAndValidate_AcceptsPreReleaseAndBuildMetadata(t *testing.T) {
	raw := buildArchive(t, map[string]string{
		"pubspec.yaml": "name: my_pkg\nversion: 1.0.0-beta.1+001\n",
	})

	ext, err := extractAndValidate(raw)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0-beta.1+001", ext.Version)
}

func TestExtractAndValidate_RejectsInvalidGzip(t *testing.T) {
	_, err := extractAndValidate([]byte("not gzip at all"))
	require.Error(t, err)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_archive", pe.Code)
}
