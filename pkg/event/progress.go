package event

import (
	"io"
	"sync"

	"github.com/cheggaaa/pb/v3"
)

const progressTemplate = `{{string . "stage"}} {{counters . }} {{bar . }} {{percent . }} {{string . "step"}}`

// Progress draws a progress bar per stage.
type Progress struct {
	out io.Writer

	mu  sync.Mutex
	bar *pb.ProgressBar
}

var _ Log = &Progress{}

func NewProgress(out io.Writer) *Progress {
	return &Progress{out: out}
}

func (p *Progress) BeginStage(stage string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finish()
	bar := pb.ProgressBarTemplate(progressTemplate).New(total)
	bar.SetWriter(p.out)
	bar.Set("stage", stage)
	bar.Start()
	p.bar = bar
}

func (p *Progress) Track(step string, f func() error) error {
	p.mu.Lock()
	bar := p.bar
	if bar != nil {
		bar.Set("step", step)
	}
	p.mu.Unlock()

	err := f()
	if bar != nil {
		bar.Increment()
	}
	return err
}

// Close finishes the current bar.
func (p *Progress) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finish()
}

func (p *Progress) finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}
