package lostpaw

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progress renders one bar on stderr, or nothing when stderr is not a
// terminal.
type progress struct {
	p   *mpb.Progress
	bar *mpb.Bar
}

func newProgress(name string, total int) *progress {
	var out io.Writer = os.Stderr
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		out = io.Discard
	}
	p := mpb.New(mpb.WithOutput(out), mpb.WithWidth(48))
	bar := p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{C: decor.DindentRight | decor.DextraSpace}),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)
	return &progress{p: p, bar: bar}
}

// Set moves the bar to done out of total, growing total when needed.
func (pr *progress) Set(done, total int) {
	if total > 0 {
		pr.bar.SetTotal(int64(total), false)
	}
	pr.bar.SetCurrent(int64(done))
}

// Done completes the bar and waits for it to render.
func (pr *progress) Done() {
	pr.bar.SetTotal(-1, true)
	pr.p.Wait()
}
