package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// TerminalSink is a ready-made Sink for callers who just want a terminal
// progress bar instead of writing their own (spec §9 "ProgressSink trait the
// caller implements" — this is one off-the-shelf implementation of it,
// grounded on vjache-cie's use of schollz/progressbar/v3).
type TerminalSink struct {
	bar *progressbar.ProgressBar
}

// NewTerminalSink creates a Sink rendering to w (typically os.Stderr).
func NewTerminalSink(w io.Writer) *TerminalSink {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("installing"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return &TerminalSink{bar: bar}
}

func (t *TerminalSink) OnProgress(r Report) {
	t.bar.Describe(r.Status)
	_ = t.bar.Set(r.Percent)
	if r.Percent >= 100 {
		_ = t.bar.Finish()
	}
}
