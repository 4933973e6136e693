package urlfetch

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// guardReader wraps a download body and enforces the fetch limits:
// a byte ceiling, an idle timeout that resets on each received chunk,
// and a content-length match at EOF when the server advertised one.
type guardReader struct {
	src         io.ReadCloser
	maxBytes    int64
	advertised  int64 // -1 when unknown
	read        int64
	idleTimeout time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	timedOut bool
	closed   bool
}

func newGuardReader(src io.ReadCloser, maxBytes int64, idleTimeout time.Duration, advertised int64) *guardReader {
	g := &guardReader{
		src:         src,
		maxBytes:    maxBytes,
		advertised:  advertised,
		idleTimeout: idleTimeout,
	}
	g.arm()
	return g
}

// arm (re)starts the idle timer. When it fires, the underlying body is
// closed, which unblocks any in-flight Read with an error.
func (g *guardReader) arm() {
	if g.idleTimeout <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.idleTimeout, func() {
		g.mu.Lock()
		g.timedOut = true
		g.mu.Unlock()
		_ = g.src.Close()
	})
}

func (g *guardReader) Read(p []byte) (int, error) {
	n, err := g.src.Read(p)
	g.read += int64(n)

	if n > 0 {
		g.arm()
	}

	if g.maxBytes > 0 && g.read > g.maxBytes {
		return n, fmt.Errorf("%w: received %d bytes, limit %d", ErrTooLarge, g.read, g.maxBytes)
	}

	if err != nil {
		g.mu.Lock()
		timedOut := g.timedOut
		g.mu.Unlock()
		if timedOut {
			return n, ErrIdleTimeout
		}
		if err == io.EOF && g.advertised >= 0 && g.read < g.advertised {
			return n, fmt.Errorf("%w: got %d of %d bytes", ErrLengthMismatch, g.read, g.advertised)
		}
	}
	return n, err
}

func (g *guardReader) Close() error {
	g.mu.Lock()
	g.closed = true
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()
	return g.src.Close()
}
