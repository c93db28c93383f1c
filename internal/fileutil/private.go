// Package fileutil writes files that only the current user may read:
// OAuth tokens, the cache database and its directory.
package fileutil

import (
	"log/slog"
	"os"
	"path/filepath"
)

// MkdirPrivate creates dir and any missing parents with mode 0700.
// Directories that already existed keep their permissions.
func MkdirPrivate(dir string) error {
	var created []string
	for p := filepath.Clean(dir); ; {
		if _, err := os.Stat(p); err == nil {
			break
		}
		created = append(created, p)
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	for _, p := range created {
		if err := restrict(p); err != nil {
			slog.Warn("fileutil: restrict directory", "path", p, "err", err)
		}
	}
	return nil
}

// WritePrivate replaces path with data. The new content is written to a
// temporary file in the same directory and renamed into place, so readers
// see either the old or the new file.
func WritePrivate(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		return fail(err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := restrict(tmpName); err != nil {
		slog.Warn("fileutil: restrict file", "path", tmpName, "err", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
