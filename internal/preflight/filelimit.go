package preflight

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"syscall"
)

const (
	// MinFileDescriptors is the floor below which a reload cycle can run out
	// of descriptors while hashing and writing the stores.
	MinFileDescriptors = 256

	// reloadDescriptors covers detector workers, the store files, the
	// writer lock and log output.
	reloadDescriptors = 64
)

// CheckFileDescriptors compares RLIMIT_NOFILE with what a watched reload of
// sourceDir needs. kqueue-backed watchers hold one descriptor per watched
// directory, so a limit under reloadDescriptors plus the directory count is
// a warning.
func (c *Checker) CheckFileDescriptors(sourceDir string) CheckResult {
	result := CheckResult{
		Name:     "file_descriptors",
		Required: true,
	}

	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to read descriptor limit: %v", err)
		return result
	}
	limit := uint64(rLimit.Cur)

	if limit < MinFileDescriptors {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%d (minimum: %d)", limit, MinFileDescriptors)
		result.Details = "Run 'ulimit -n 4096' before reloading"
		return result
	}

	want := uint64(reloadDescriptors + countDirs(sourceDir))
	if limit < want {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%d (watching %s needs about %d)", limit, sourceDir, want)
		result.Details = "Use 'amanrag watch --poll' or raise the limit with ulimit -n"
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%d (minimum: %d)", limit, MinFileDescriptors)
	return result
}

// countDirs counts directories under root, ignoring unreadable entries.
func countDirs(root string) int {
	n := 0
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			n++
		}
		return nil
	})
	return n
}
