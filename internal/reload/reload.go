// Package reload exposes the update cycle as a request/response contract
// with an optional event stream. Error strings carry the error code, the
// failing stage and a source-relative path, never absolute state paths.
package reload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Aman-CERP/amanrag/internal/detect"
	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/index"
)

// Request asks for one reload cycle.
type Request struct {
	DryRun bool `json:"dry_run"`
	Stream bool `json:"stream"`
	Full   bool `json:"full,omitempty"`
}

// Response is the outcome of a reload.
type Response struct {
	Success         bool               `json:"success"`
	DryRun          bool               `json:"dry_run"`
	FilesAdded      int                `json:"files_added"`
	FilesModified   int                `json:"files_modified"`
	FilesDeleted    int                `json:"files_deleted"`
	ChunksAdded     int                `json:"chunks_added"`
	EstimatedChunks int                `json:"estimated_chunks,omitempty"`
	DurationSeconds float64            `json:"duration_seconds"`
	Errors          []string           `json:"errors"`
	CycleID         string             `json:"cycle_id,omitempty"`
	Generation      uint64             `json:"generation"`
	Changes         []detect.Change    `json:"changes,omitempty"`
	StageDurations  map[string]float64 `json:"stage_durations,omitempty"`
}

// Message is one element of a stream: either a progress event or the final
// response, which always comes last.
type Message struct {
	Event    *index.Event `json:"event,omitempty"`
	Response *Response    `json:"response,omitempty"`
}

// Reloader is the part of the coordinator the adapter drives.
type Reloader interface {
	Reload(ctx context.Context, opts index.ReloadOptions) (*index.Result, error)
}

// Adapter translates requests into coordinator calls.
type Adapter struct {
	reloader  Reloader
	sourceDir string
	hidden    []string
}

// NewAdapter creates an adapter. sourceDir is stripped from error strings;
// every path in hidden (state dir, backup dir) is redacted.
func NewAdapter(r Reloader, sourceDir string, hidden ...string) *Adapter {
	return &Adapter{reloader: r, sourceDir: sourceDir, hidden: hidden}
}

// Reload runs a cycle and waits for its response. Progress events are
// dropped; use Stream to observe them.
func (a *Adapter) Reload(ctx context.Context, req Request) Response {
	res, err := a.reloader.Reload(ctx, index.ReloadOptions{DryRun: req.DryRun, Full: req.Full})
	return a.respond(req, res, err)
}

// Stream runs a cycle and yields its events followed by the final
// response. The channel is closed after the response.
func (a *Adapter) Stream(ctx context.Context, req Request) <-chan Message {
	out := make(chan Message, 16)
	go func() {
		defer close(out)

		// the cycle itself is not cancellable once ingesting; a consumer
		// that stops reading must not stall it
		var mu sync.Mutex
		stopped := false
		progress := func(e index.Event) {
			mu.Lock()
			defer mu.Unlock()
			if stopped {
				return
			}
			ev := e
			select {
			case out <- Message{Event: &ev}:
			case <-ctx.Done():
				stopped = true
			}
		}

		res, err := a.reloader.Reload(ctx, index.ReloadOptions{
			DryRun:   req.DryRun,
			Full:     req.Full,
			Progress: progress,
		})
		resp := a.respond(req, res, err)

		mu.Lock()
		stopped = true
		mu.Unlock()

		select {
		case out <- Message{Response: &resp}:
		case <-ctx.Done():
		}
	}()
	return out
}

// Collect drains a stream into its events and final response.
func Collect(stream <-chan Message) ([]index.Event, Response) {
	var (
		events []index.Event
		resp   Response
	)
	for msg := range stream {
		if msg.Event != nil {
			events = append(events, *msg.Event)
		}
		if msg.Response != nil {
			resp = *msg.Response
		}
	}
	return events, resp
}

// WriteNDJSON writes each stream message as one JSON line and returns the
// final response.
func WriteNDJSON(w io.Writer, stream <-chan Message) (Response, error) {
	enc := json.NewEncoder(w)
	var (
		resp     Response
		writeErr error
	)
	for msg := range stream {
		if msg.Response != nil {
			resp = *msg.Response
		}
		if writeErr != nil {
			continue
		}
		writeErr = enc.Encode(msg)
	}
	return resp, writeErr
}

func (a *Adapter) respond(req Request, res *index.Result, err error) Response {
	resp := Response{DryRun: req.DryRun, Errors: []string{}}
	if res != nil {
		resp.Success = res.Success
		resp.FilesAdded = res.Summary.New
		resp.FilesModified = res.Summary.Modified
		resp.FilesDeleted = res.Summary.Deleted
		resp.ChunksAdded = res.ChunksAdded
		resp.EstimatedChunks = res.EstimatedChunks
		resp.DurationSeconds = res.Duration.Seconds()
		resp.CycleID = res.CycleID
		resp.Generation = res.Generation
		if req.DryRun {
			resp.Changes = res.Changes
		}
		if len(res.Stages) > 0 {
			resp.StageDurations = make(map[string]float64, len(res.Stages))
			for stage, d := range res.Stages {
				resp.StageDurations[stage] = d.Seconds()
			}
		}
		// a failed cycle reports its own error last; it is rendered from err
		fileErrs := res.Errors
		if n := len(fileErrs); n > 0 && rendersFileError(err, fileErrs[n-1]) {
			fileErrs = fileErrs[:n-1]
		}
		for _, fe := range fileErrs {
			resp.Errors = append(resp.Errors, a.sanitize(fe.String()))
		}
	}
	if err != nil {
		resp.Success = false
		resp.ChunksAdded = 0
		resp.Errors = append(resp.Errors, a.FormatError(err))
	}
	return resp
}

// rendersFileError reports whether err is the failure fe records. A failed
// rollback returns the restore error, so the failure that caused the
// rollback stays in the list.
func rendersFileError(err error, fe index.FileError) bool {
	if err == nil {
		return false
	}
	var cerr *index.CycleError
	if errors.As(err, &cerr) {
		return cerr.Stage.String() == fe.Stage
	}
	return true
}

// FormatError renders err as "[CODE] stage: path: message" with paths made
// relative to the source directory.
func (a *Adapter) FormatError(err error) string {
	code := amerrors.GetCode(err)

	var (
		cerr *index.CycleError
		msg  string
	)
	if errors.As(err, &cerr) {
		var parts []string
		parts = append(parts, cerr.Stage.String())
		if cerr.Path != "" {
			parts = append(parts, a.relative(cerr.Path))
		}
		parts = append(parts, messageOf(cerr.Err))
		msg = strings.Join(parts, ": ")
	} else {
		msg = messageOf(err)
	}

	if code != "" {
		msg = fmt.Sprintf("[%s] %s", code, msg)
	}
	return a.sanitize(msg)
}

// messageOf drops the "[CODE] " prefix an AmanError adds to its message and
// appends its cause.
func messageOf(err error) string {
	var ae *amerrors.AmanError
	if errors.As(err, &ae) {
		if ae.Cause != nil {
			return ae.Message + ": " + ae.Cause.Error()
		}
		return ae.Message
	}
	return err.Error()
}

func (a *Adapter) relative(path string) string {
	if !filepath.IsAbs(path) || a.sourceDir == "" {
		return filepath.ToSlash(path)
	}
	if rel, err := filepath.Rel(a.sourceDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(path)
}

func (a *Adapter) sanitize(s string) string {
	for _, p := range a.hidden {
		if p != "" {
			s = strings.ReplaceAll(s, p, "<state>")
		}
	}
	if a.sourceDir != "" {
		s = strings.ReplaceAll(s, a.sourceDir+string(filepath.Separator), "")
		s = strings.ReplaceAll(s, a.sourceDir, ".")
	}
	return s
}
