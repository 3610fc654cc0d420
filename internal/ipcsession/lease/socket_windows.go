//go:build windows

package lease

import "fmt"

// socketPathForKey returns the named-pipe path for key; baseDir is unused on
// Windows since pipe names live in a global namespace.
func socketPathForKey(baseDir, key string) string {
	return fmt.Sprintf(`\\.\pipe\acpx-%s`, key)
}
