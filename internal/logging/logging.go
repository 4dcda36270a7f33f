// Package logging builds the logr.Logger used across vmsandbox.
//
// Records go to log/slog. When the output is a terminal they are rendered
// as text, otherwise as JSON lines.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"golang.org/x/term"
)

// Formats accepted by New.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Options configures New.
type Options struct {
	// Verbosity is the highest logr V-level that is emitted.
	Verbosity int

	// Format is FormatAuto, FormatText or FormatJSON.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer
}

// New creates a logger. Verbosity maps onto slog levels so that V(1) is
// debug and higher levels are progressively quieter.
func New(opts Options) (logr.Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: slog.Level(-opts.Verbosity)}

	var handler slog.Handler
	switch opts.Format {
	case FormatText:
		handler = slog.NewTextHandler(out, handlerOpts)
	case FormatJSON:
		handler = slog.NewJSONHandler(out, handlerOpts)
	case FormatAuto, "":
		if isTerminal(out) {
			handler = slog.NewTextHandler(out, handlerOpts)
		} else {
			handler = slog.NewJSONHandler(out, handlerOpts)
		}
	default:
		return logr.Discard(), fmt.Errorf("unknown log format %q", opts.Format)
	}

	return logr.FromSlogHandler(handler), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
