package event

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestLoggerTracksSteps(t *testing.T) {
	var out syncBuffer
	l := NewLogger(log.NewLogfmtLogger(&out))
	l.BeginStage("Compiling packages", 2)

	assert.NoError(t, l.Track("ruby/2.6", func() error { return nil }))
	boom := errors.New("boom")
	assert.Equal(t, boom, l.Track("web/1.0", func() error { return boom }))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 5)
	assert.Contains(t, lines[0], `stage="Compiling packages" total=2 state=begin`)
	assert.Contains(t, lines[2], "task=ruby/2.6 index=1 total=2 state=finished")
	assert.Contains(t, lines[4], "task=web/1.0 index=2 total=2 state=failed")
	assert.Contains(t, lines[4], "err=boom")
}

func TestLoggerConcurrentTracks(t *testing.T) {
	var out syncBuffer
	l := NewLogger(log.NewLogfmtLogger(&out))
	l.BeginStage("Compiling packages", 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Track("step", func() error { return nil })
		}()
	}
	wg.Wait()
	assert.Contains(t, out.String(), "index=10 total=10")
}

func TestNop(t *testing.T) {
	Nop.BeginStage("x", 1)
	called := false
	assert.NoError(t, Nop.Track("y", func() error { called = true; return nil }))
	assert.True(t, called)
}

func TestProgress(t *testing.T) {
	var out syncBuffer
	p := NewProgress(&out)
	assert.NoError(t, p.Track("before any stage", func() error { return nil }))
	p.BeginStage("Compiling packages", 2)
	assert.NoError(t, p.Track("ruby/2.6", func() error { return nil }))
	assert.NoError(t, p.Track("web/1.0", func() error { return nil }))
	p.Close()
	assert.Contains(t, out.String(), "Compiling packages")
	assert.Contains(t, out.String(), "2 / 2")
}
