// Package polllog keeps one append-only polling log file per job.
package polllog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// FileName is the name of the log file inside a job's directory.
const FileName = "bitbucket-polling.log"

// BannerPrefix opens every entry.
const BannerPrefix = "Started on "

// ErrNoLog is returned when a job has never been polled.
var ErrNoLog = errors.New("poll log does not exist")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store resolves and opens per-job poll logs under a root directory.
type Store struct {
	dir string
	now func() time.Time
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Path returns the log file of job. Folder separators in the job name become
// nested directories; other unsafe characters are replaced.
func (s *Store) Path(job string) string {
	parts := strings.Split(strings.Trim(job, "/"), "/")
	for i, p := range parts {
		p = unsafeChars.ReplaceAllString(p, "_")
		if p == "" || p == "." || p == ".." {
			p = "_"
		}
		parts[i] = p
	}
	return filepath.Join(append([]string{s.dir}, append(parts, FileName)...)...)
}

// Entry is one polling attempt being appended to a job's log. Only the job's
// queue worker writes to it. The first failed write is kept and returned by
// Close.
type Entry struct {
	f   *os.File
	err error
}

// Open starts a new entry for job and writes its banner.
func (s *Store) Open(job string) (*Entry, error) {
	path := s.Path(job)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create poll log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open poll log: %w", err)
	}
	e := &Entry{f: f}
	e.Printf("%s%s", BannerPrefix, s.now().Format(time.RFC1123))
	return e, nil
}

// Write appends raw text to the entry.
func (e *Entry) Write(p []byte) (int, error) {
	n, err := e.f.Write(p)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("write poll log: %w", err)
	}
	return n, err
}

// Printf appends one formatted line.
func (e *Entry) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(e, format+"\n", args...)
}

// Error appends an error line.
func (e *Entry) Error(msg string, err error) {
	e.Printf("ERROR: %s: %v", msg, err)
}

// Close flushes and closes the entry. It reports the first failed write, if
// any, before sync and close errors.
func (e *Entry) Close() error {
	syncErr := e.f.Sync()
	closeErr := e.f.Close()
	switch {
	case e.err != nil:
		return e.err
	case syncErr != nil:
		return syncErr
	}
	return closeErr
}

// Read returns the job's whole log.
func (s *Store) Read(job string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(job))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoLog
	}
	return data, err
}

// LastEntry returns the most recent entry, from its banner to the end of the file.
func (s *Store) LastEntry(job string) (string, error) {
	data, err := s.Read(job)
	if err != nil {
		return "", err
	}
	banner := []byte(BannerPrefix)
	idx := bytes.LastIndex(data, banner)
	for idx > 0 && data[idx-1] != '\n' {
		idx = bytes.LastIndex(data[:idx], banner)
	}
	if idx < 0 {
		idx = 0
	}
	return strings.TrimRight(string(data[idx:]), "\n"), nil
}
