// Package testutil provides test helpers for mailsync tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (MustNoErr, AssertStrings, etc.)
//   - store_helpers.go: database test setup (NewTestStore, NewTestAccount)
//   - builders.go: thread and message builders
package testutil
