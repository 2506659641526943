package stagelinq

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOptionsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stagelinq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOptions(t *testing.T) {
	path := writeOptionsFile(t, `
maxRetries: 5
downloadDBSources: true
actingAs:
  source: testsuite
  name: testsuite
  version: 9.9.9
`)

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 5, opts.MaxRetries)
	assert.True(t, opts.DownloadDBSources)
	assert.Equal(t, "testsuite", opts.ActingAs.Source)
	assert.Equal(t, "9.9.9", opts.ActingAs.Version)

	// Unset fields keep their defaults.
	assert.Equal(t, 500*time.Millisecond, opts.RetryInterval)
}

func TestLoadOptionsRejectsBadValues(t *testing.T) {
	path := writeOptionsFile(t, "maxRetries: 1\n")
	_, err := LoadOptions(path)
	assert.True(t, errors.Is(err, ErrInvalidMaxRetries))
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadOptionsMalformedYAML(t *testing.T) {
	path := writeOptionsFile(t, "maxRetries: [oops\n")
	_, err := LoadOptions(path)
	assert.Error(t, err)
}
