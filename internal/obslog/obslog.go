// Package obslog is the ambient logging surface used by every component:
// a verbosity-gated human-readable line (mirroring the teacher's
// printMessage) plus, for operationally significant events, a structured
// record sent to the systemd journal (mirroring the teacher's
// exception_handling.go CreateJournaldLog). Unlike the teacher's CLI,
// nothing here ever calls os.Exit — it logs, the caller decides what to do.
package obslog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Level mirrors the teacher's verbosity ladder (verbosityNone..verbosityDebug).
type Level int

const (
	LevelNone Level = iota
	LevelStandard
	LevelProgress
	LevelData
	LevelDebug
)

// Logger is a small, cheap-to-construct leveled logger. Construct one with
// New; the zero value has level LevelNone, no writer and journal disabled.
type Logger struct {
	mu       sync.Mutex
	level    Level
	out      io.Writer
	useColor bool
	journal  bool
	prefix   string
}

// New builds a Logger writing to out at the given level. journal enables
// mirroring Error (error priority) and Event (info priority) records to the
// systemd journal; it is a no-op
// (and never errors) on systems without one.
func New(out io.Writer, level Level, journalEnabled bool) *Logger {
	if out == nil {
		out = os.Stderr
	}
	useColor := false
	if f, ok := out.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd())
	}
	return &Logger{level: level, out: out, useColor: useColor, journal: journalEnabled}
}

// With returns a copy of l that prefixes every message with the given
// component tag, e.g. l.With("deploystore").
func (l *Logger) With(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{level: l.level, out: l.out, useColor: l.useColor, journal: l.journal, prefix: component}
}

func (l *Logger) enabled(required Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return required <= l.level
}

// Printf writes a human-readable line if required <= the logger's level,
// timestamped the way the teacher does for verbosity >= LevelProgress.
func (l *Logger) Printf(required Level, format string, args ...interface{}) {
	if !l.enabled(required) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		msg = l.prefix + ": " + msg
	}
	if l.level >= LevelProgress {
		msg = time.Now().Format("15:04:05.000000") + " " + msg
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.useColor {
		color.New(color.FgHiBlack).Fprint(l.out, msg)
		fmt.Fprintln(l.out)
		return
	}
	fmt.Fprintln(l.out, msg)
}

// Error logs a non-nil error at LevelStandard and, when journal mirroring is
// enabled, sends a structured PriErr record. A nil err is a no-op, matching
// the teacher's logError early-return convention (minus the os.Exit).
func (l *Logger) Error(op string, err error) {
	if err == nil {
		return
	}
	l.Printf(LevelStandard, "%s: %v", op, err)
	if l.journal {
		_ = journal.Send(fmt.Sprintf("%s: %v", op, err), journal.PriErr, nil)
	}
}

// Event logs a structured operational event (install, update, uninstall,
// prune, lock contention, helper request) at PriInfo.
func (l *Logger) Event(op string, fields map[string]string) {
	l.Printf(LevelProgress, "%s %v", op, fields)
	if l.journal {
		vars := map[string]string{}
		for k, v := range fields {
			vars["APPHUB_"+k] = v
		}
		_ = journal.Send(op, journal.PriInfo, vars)
	}
}
