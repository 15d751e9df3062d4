// ABOUTME: Discovery of the channel gateway daemon binary on the host.
// ABOUTME: Searches well-known install locations first, then falls back to PATH.

package controller

import (
	"os"
	"os/exec"
	"path/filepath"
)

// wellKnownDirs are the prioritized install locations searched before PATH.
var wellKnownDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/usr/bin",
}

// userDirs returns per-user install locations, resolved lazily because the
// home directory can be absent in stripped-down environments.
func userDirs() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, "bin"),
		filepath.Join(home, ".npm-global", "bin"),
	}
}

// Discover locates the daemon binary. extraPaths are searched first, then the
// user and system well-known locations, then PATH. Returns the resolved path
// and whether the binary was found at all.
func Discover(binary string, extraPaths []string) (string, bool) {
	var dirs []string
	dirs = append(dirs, extraPaths...)
	dirs = append(dirs, userDirs()...)
	dirs = append(dirs, wellKnownDirs...)

	for _, dir := range dirs {
		candidate := filepath.Join(dir, binary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, true
		}
	}

	if path, err := exec.LookPath(binary); err == nil {
		return path, true
	}
	return "", false
}
