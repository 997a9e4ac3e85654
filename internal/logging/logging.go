// Package logging sets up the structured operator logger and the two
// protocol-mandated stderr diagnostic writers (spec §6.5, §7): a `##`
// prefix for informational lines and a `!!` prefix for errors, kept
// separate from the slog stream used for `-v` debugging.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New builds the operator-facing structured logger. verbose selects
// slog.LevelDebug; otherwise slog.LevelInfo.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return a
		},
	}))
}

// Diagnostics writes the `##`/`!!` prefixed lines spec §6.5/§7 require on
// the standard error stream, independent of the structured slog output.
type Diagnostics struct {
	w io.Writer
}

// NewDiagnostics wraps w (normally os.Stderr) as a Diagnostics writer.
func NewDiagnostics(w io.Writer) *Diagnostics {
	return &Diagnostics{w: w}
}

// Info writes a `##`-prefixed informational line.
func (d *Diagnostics) Info(format string, args ...any) {
	fmt.Fprintf(d.w, "## "+format+"\n", args...)
}

// Error writes a `!!`-prefixed error line.
func (d *Diagnostics) Error(format string, args ...any) {
	fmt.Fprintf(d.w, "!! "+format+"\n", args...)
}
