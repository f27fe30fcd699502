package polllog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedStore(t *testing.T) *Store {
	s := New(t.TempDir())
	s.now = func() time.Time { return time.Date(2024, 5, 30, 5, 58, 56, 0, time.UTC) }
	return s
}

func TestPathSanitizesJobNames(t *testing.T) {
	s := New("/logs")
	assert.Equal(t, filepath.Join("/logs", "team", "app", FileName), s.Path("team/app"))
	assert.Equal(t, filepath.Join("/logs", "_", "my_job", FileName), s.Path("../my job"))
}

func TestEntriesAreAppended(t *testing.T) {
	s := fixedStore(t)

	for _, verdict := range []string{"No changes", "Changes found"} {
		e, err := s.Open("team/app")
		require.NoError(t, err)
		e.Printf("Done. Took %s", time.Second)
		e.Printf(verdict)
		require.NoError(t, e.Close())
	}

	data, err := s.Read("team/app")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), BannerPrefix))

	last, err := s.LastEntry("team/app")
	require.NoError(t, err)
	assert.Equal(t, "Started on Thu, 30 May 2024 05:58:56 UTC\nDone. Took 1s\nChanges found", last)
}

func TestLastEntryIgnoresBannerTextInsideLines(t *testing.T) {
	s := fixedStore(t)
	e, err := s.Open("app")
	require.NoError(t, err)
	e.Printf("remote said: Started on a branch")
	e.Error("Failed to record SCM polling", errors.New("timeout"))
	require.NoError(t, e.Close())

	last, err := s.LastEntry("app")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(last, "Started on Thu"))
	assert.Contains(t, last, "ERROR: Failed to record SCM polling: timeout")
}

func TestMissingLog(t *testing.T) {
	s := fixedStore(t)

	_, err := s.Read("nope")
	assert.True(t, errors.Is(err, ErrNoLog))
	_, err = s.LastEntry("nope")
	assert.True(t, errors.Is(err, ErrNoLog))
}

func TestCloseReportsFailedWrites(t *testing.T) {
	s := fixedStore(t)
	e, err := s.Open("app")
	require.NoError(t, err)

	require.NoError(t, e.f.Close())
	e.Printf("Changes found")
	e.Printf("Done. Took %s", time.Second)

	err = e.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrClosed))
	assert.Contains(t, err.Error(), "write poll log")
}
