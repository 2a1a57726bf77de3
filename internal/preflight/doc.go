// Package preflight checks that the environment can sustain reload cycles
// before an operator relies on it.
//
// The checks cover:
//   - the source directory is a readable directory
//   - the state directory is writable
//   - free disk space covers a rewrite of every store plus headroom
//   - the file descriptor limit (minimum 1024)
//   - whether another process holds the writer lock
//   - whether backups can use hard links in the backup directory
//
//	checker := preflight.New(preflight.WithOutput(os.Stdout))
//	results := checker.RunAll(ctx, preflight.Target{SourceDir: src, StateDir: state})
//	if checker.HasCriticalFailures(results) {
//	    // refuse to continue
//	}
package preflight
