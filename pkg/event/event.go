package event

import (
	"sync"
	"time"

	"github.com/go-kit/kit/log"
)

// Log records the progress of a task as stages made up of tracked
// steps. Implementations must be safe for concurrent use; workers
// track steps in parallel.
type Log interface {
	BeginStage(stage string, total int)
	// Track runs f as one step of the current stage and returns its
	// error.
	Track(step string, f func() error) error
}

type nop struct{}

func (nop) BeginStage(string, int) {}
func (nop) Track(_ string, f func() error) error {
	return f()
}

// Nop is a Log that records nothing.
var Nop Log = nop{}

// Logger writes stage events to a go-kit logger.
type Logger struct {
	logger log.Logger

	mu    sync.Mutex
	stage string
	total int
	index int
}

var _ Log = &Logger{}

func NewLogger(logger log.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) BeginStage(stage string, total int) {
	l.mu.Lock()
	l.stage, l.total, l.index = stage, total, 0
	l.mu.Unlock()
	l.logger.Log("stage", stage, "total", total, "state", "begin")
}

func (l *Logger) Track(step string, f func() error) error {
	l.mu.Lock()
	l.index++
	stage, index, total := l.stage, l.index, l.total
	l.mu.Unlock()

	l.logger.Log("stage", stage, "task", step, "index", index, "total", total, "state", "started")
	begin := time.Now()
	err := f()
	if err != nil {
		l.logger.Log("stage", stage, "task", step, "index", index, "total", total, "state", "failed", "took", time.Since(begin), "err", err)
		return err
	}
	l.logger.Log("stage", stage, "task", step, "index", index, "total", total, "state", "finished", "took", time.Since(begin))
	return nil
}
