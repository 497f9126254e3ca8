// Package blob stores artifact content produced by run steps. Content is
// written under a staging prefix first and moved under the committed prefix
// only when the owning run finishes, so a crashed or cancelled run never
// leaves half-published artifacts behind.
package blob

import (
	"context"
	"fmt"
)

const (
	stagingPrefix   = "staging"
	committedPrefix = "committed"
)

// Store persists artifact content.
type Store interface {
	// Stage writes content under the staging prefix and returns its ref.
	Stage(ctx context.Context, runID, name string, content []byte) (string, error)
	// Commit moves a staged ref under the committed prefix and returns
	// the new ref.
	Commit(ctx context.Context, ref string) (string, error)
	// Get reads content by ref, staged or committed.
	Get(ctx context.Context, ref string) ([]byte, error)
}

func stagingRef(runID, name string) string {
	return fmt.Sprintf("%s/%s/%s", stagingPrefix, runID, name)
}

func committedRef(ref string) (string, error) {
	if len(ref) <= len(stagingPrefix) || ref[:len(stagingPrefix)] != stagingPrefix {
		return "", fmt.Errorf("ref %q is not staged", ref)
	}
	return committedPrefix + ref[len(stagingPrefix):], nil
}
