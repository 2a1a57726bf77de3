package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status by name in JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Target names the directories the checks run against.
type Target struct {
	SourceDir string
	StateDir  string
	// BackupDir defaults to StateDir/backups.
	BackupDir string
	// LockFile is the writer lock; defaults to StateDir/reload.lock.
	LockFile string
	// IndexBytes is the current size of the persisted stores.
	IndexBytes int64
}

func (t Target) withDefaults() Target {
	if t.BackupDir == "" {
		t.BackupDir = filepath.Join(t.StateDir, "backups")
	}
	if t.LockFile == "" {
		t.LockFile = filepath.Join(t.StateDir, "reload.lock")
	}
	return t
}

// Checker performs preflight validation checks.
type Checker struct {
	verbose bool
	output  io.Writer
}

// Option configures a Checker.
type Option func(*Checker)

// WithVerbose prints check details.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) {
		c.verbose = verbose
	}
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) {
		c.output = w
	}
}

// New creates a new Checker with the given options.
func New(opts ...Option) *Checker {
	c := &Checker{
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check against t. The state directory is created when
// missing so that the remaining checks have somewhere to check.
func (c *Checker) RunAll(ctx context.Context, t Target) []CheckResult {
	t = t.withDefaults()
	results := []CheckResult{c.CheckSourceDir(t.SourceDir)}

	if err := os.MkdirAll(t.StateDir, 0o755); err != nil {
		return append(results, CheckResult{
			Name:     "write_permissions",
			Status:   StatusFail,
			Message:  fmt.Sprintf("cannot create state directory: %v", err),
			Required: true,
		})
	}

	results = append(results,
		c.CheckWritePermissions(t.StateDir),
		c.CheckDiskSpace(t.StateDir, t.IndexBytes),
		c.CheckFileDescriptors(t.SourceDir),
		c.CheckWriterLock(ctx, t.LockFile),
		c.CheckHardLinks(t.BackupDir),
	)
	return results
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns a summary status string for the results.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	hasCriticalFailure := false

	for _, r := range results {
		if r.IsCritical() {
			hasCriticalFailure = true
		}
		if r.Status == StatusWarn || (r.Status == StatusFail && !r.Required) {
			hasWarnings = true
		}
	}

	if hasCriticalFailure {
		return "failed"
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults prints check results to the configured output.
func (c *Checker) PrintResults(results []CheckResult) {
	_, _ = fmt.Fprintln(c.output, "amanrag System Check")
	_, _ = fmt.Fprintln(c.output, "====================")
	_, _ = fmt.Fprintln(c.output)

	for _, r := range results {
		_, _ = fmt.Fprintf(c.output, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if c.verbose && r.Details != "" {
			_, _ = fmt.Fprintf(c.output, "      %s\n", r.Details)
		}
	}

	_, _ = fmt.Fprintln(c.output)
	status := c.SummaryStatus(results)
	_, _ = fmt.Fprintf(c.output, "Status: %s\n", strings.ToUpper(status))

	var warnings, errors []string
	for _, r := range results {
		if r.IsCritical() {
			errors = append(errors, r.Name+": "+r.Message)
		} else if r.Status != StatusPass {
			warnings = append(warnings, r.Name+": "+r.Message)
		}
	}

	if len(errors) > 0 {
		_, _ = fmt.Fprintln(c.output)
		_, _ = fmt.Fprintf(c.output, "%d error(s):\n", len(errors))
		for _, e := range errors {
			_, _ = fmt.Fprintf(c.output, "  - %s\n", e)
		}
	}

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(c.output)
		_, _ = fmt.Fprintf(c.output, "%d warning(s):\n", len(warnings))
		for _, w := range warnings {
			_, _ = fmt.Fprintf(c.output, "  - %s\n", w)
		}
	}
}

// CheckSourceDir checks that the source directory exists and can be listed.
func (c *Checker) CheckSourceDir(path string) CheckResult {
	result := CheckResult{
		Name:     "source_dir",
		Required: true,
	}

	info, err := os.Stat(path)
	switch {
	case err != nil:
		result.Status = StatusFail
		result.Message = fmt.Sprintf("not accessible: %v", err)
		return result
	case !info.IsDir():
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%s is not a directory", path)
		return result
	}
	if _, err := os.ReadDir(path); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot list: %v", err)
		return result
	}

	result.Status = StatusPass
	result.Message = "OK"
	result.Details = path
	return result
}

// CheckWritePermissions checks that the state directory accepts new files.
func (c *Checker) CheckWritePermissions(path string) CheckResult {
	result := CheckResult{
		Name:     "write_permissions",
		Required: true,
	}

	f, err := os.CreateTemp(path, ".amanrag-preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	result.Status = StatusPass
	result.Message = "OK"
	return result
}

// CheckWriterLock reports whether another process holds the writer lock.
// A held lock is a warning: reloads queue or are rejected until it clears.
func (c *Checker) CheckWriterLock(_ context.Context, path string) CheckResult {
	result := CheckResult{
		Name:     "writer_lock",
		Required: false,
	}

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("cannot check lock: %v", err)
		return result
	}
	if !ok {
		result.Status = StatusWarn
		result.Message = "held by another process (a reload or watch is running)"
		return result
	}
	_ = lock.Unlock()

	result.Status = StatusPass
	result.Message = "free"
	return result
}

// CheckHardLinks checks that the backup directory supports hard links.
// Without them every backup is a full copy, which is slower but correct.
func (c *Checker) CheckHardLinks(backupDir string) CheckResult {
	result := CheckResult{
		Name:     "hard_links",
		Required: false,
	}

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("cannot create backup directory: %v", err)
		return result
	}
	src, err := os.CreateTemp(backupDir, ".amanrag-link-*")
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("cannot check: %v", err)
		return result
	}
	_ = src.Close()
	defer func() { _ = os.Remove(src.Name()) }()

	dst := src.Name() + ".link"
	if err := os.Link(src.Name(), dst); err != nil {
		result.Status = StatusWarn
		result.Message = "unsupported; backups will copy every store"
		result.Details = err.Error()
		return result
	}
	_ = os.Remove(dst)

	result.Status = StatusPass
	result.Message = "supported"
	return result
}
