//go:build !windows

package fileutil

// restrict is a no-op on Unix; the 0600/0700 modes already apply.
func restrict(string) error { return nil }
