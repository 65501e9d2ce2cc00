// Copyright 2025 James Ross
package expander

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZipCSV(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "zips.csv")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestCSVZipListerLoadsAndSorts(t *testing.T) {
	path := writeZipCSV(t, "zip,state\n85003,AZ\n85001,AZ\n85002,az\n10001,NY\n")
	lister := NewCSVZipLister(path)

	zips, err := lister.ZipsForState("AZ")
	require.NoError(t, err)
	assert.Equal(t, []string{"85001", "85002", "85003"}, zips)
}

func TestCSVZipListerUnknownState(t *testing.T) {
	path := writeZipCSV(t, "zip,state\n10001,NY\n")
	lister := NewCSVZipLister(path)

	_, err := lister.ZipsForState("ZZ")
	assert.Error(t, err)
}

func TestCSVZipListerMissingFile(t *testing.T) {
	lister := NewCSVZipLister("/nonexistent/zips.csv")
	_, err := lister.ZipsForState("AZ")
	assert.Error(t, err)
}
