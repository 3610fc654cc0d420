//go:build !windows

package lease

import "path/filepath"

// socketPathForKey returns the unix-domain socket path for key under
// baseDir.
func socketPathForKey(baseDir, key string) string {
	return filepath.Join(baseDir, key+".sock")
}
