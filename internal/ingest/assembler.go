package ingest

import (
	"bytes"

	"github.com/smallnest/ringbuffer"
)

// DefaultMaxLineLength bounds the bytes held while waiting for a newline
const DefaultMaxLineLength = 4096

// lineAssembler turns a byte stream into newline-terminated lines. Pending bytes live in
// a fixed ring buffer; a line longer than the buffer is dropped up to its newline.
type lineAssembler struct {
	pending    *ringbuffer.RingBuffer
	discarding bool
}

func newLineAssembler(size int) *lineAssembler {
	if size <= 0 {
		size = DefaultMaxLineLength
	}
	return &lineAssembler{pending: ringbuffer.New(size)}
}

// Feed consumes p, calling emit for every completed line without its terminator.
// It returns the number of oversized lines dropped.
func (a *lineAssembler) Feed(p []byte, emit func(line []byte)) int {
	dropped := 0
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		chunk := p
		if i >= 0 {
			chunk = p[:i]
		}

		if !a.discarding && len(chunk) > 0 {
			if len(chunk) > a.pending.Free() {
				a.pending.Reset()
				a.discarding = true
				dropped++
			} else {
				_, _ = a.pending.Write(chunk)
			}
		}

		if i < 0 {
			return dropped
		}

		if !a.discarding {
			emit(a.drain())
		}
		a.discarding = false
		p = p[i+1:]
	}
	return dropped
}

// Reset drops any partial line, used after the transport is reopened
func (a *lineAssembler) Reset() {
	a.pending.Reset()
	a.discarding = false
}

func (a *lineAssembler) drain() []byte {
	n := a.pending.Length()
	if n == 0 {
		return nil
	}
	line := make([]byte, n)
	_, _ = a.pending.Read(line)
	return line
}
