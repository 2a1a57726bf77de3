// Package output formats line-oriented CLI results: status lines, indented
// blocks and aligned tables.
package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Writer writes formatted CLI output. Write errors are ignored; this is
// console output.
type Writer struct {
	out io.Writer
}

// New creates a Writer.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Status prints msg after icon, or indented when icon is empty.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "  %s\n", msg)
	}
}

// Successf prints a success line.
func (w *Writer) Successf(format string, args ...any) {
	w.Status("✓", fmt.Sprintf(format, args...))
}

// Warningf prints a warning line.
func (w *Writer) Warningf(format string, args ...any) {
	w.Status("!", fmt.Sprintf(format, args...))
}

// Errorf prints an error line.
func (w *Writer) Errorf(format string, args ...any) {
	w.Status("✗", fmt.Sprintf(format, args...))
}

// Infof prints an indented detail line.
func (w *Writer) Infof(format string, args ...any) {
	w.Status("", fmt.Sprintf(format, args...))
}

// Block prints content indented by four spaces, trimming trailing blank lines.
func (w *Writer) Block(content string) {
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		_, _ = fmt.Fprintf(w.out, "    %s\n", line)
	}
}

// Table prints rows aligned under header.
func (w *Writer) Table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}
