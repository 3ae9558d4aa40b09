package utils

import (
	"context"
	"fmt"
	"os"
	"time"
)

// WaitForPath polls until path exists or the context is done. Hypervisor
// control sockets appear asynchronously after the process starts, so callers
// bound the wait with a deadline on ctx.
func WaitForPath(ctx context.Context, path string, pollEvery time.Duration) error {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}
