package proxy

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// limitedBody passes at most limit bytes of the request body. It reads one
// byte past the limit to detect overflow, so no more than limit+1 bytes are
// ever consumed from the client.
type limitedBody struct {
	rc       io.ReadCloser
	limit    int64
	read     int64
	exceeded atomic.Bool
	progress func()
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.exceeded.Load() {
		return 0, errBodyTooLarge
	}
	if room := b.limit + 1 - b.read; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := b.rc.Read(p)
	b.read += int64(n)
	if b.read > b.limit {
		b.exceeded.Store(true)
		return n - int(b.read-b.limit), errBodyTooLarge
	}
	if n > 0 && b.progress != nil {
		b.progress()
	}
	return n, err
}

func (b *limitedBody) Close() error { return b.rc.Close() }

// deadline cancels the upstream exchange after d without progress. Every
// reset pushes it back by d.
type deadline struct {
	d     time.Duration
	t     *time.Timer
	fired atomic.Bool
}

func newDeadline(d time.Duration, cancel context.CancelFunc) *deadline {
	dl := &deadline{d: d}
	if d > 0 {
		dl.t = time.AfterFunc(d, func() {
			dl.fired.Store(true)
			cancel()
		})
	}
	return dl
}

func (dl *deadline) reset() {
	if dl.t == nil || dl.fired.Load() {
		return
	}
	dl.t.Reset(dl.d)
}

func (dl *deadline) stop() {
	if dl.t != nil {
		dl.t.Stop()
	}
}

func (dl *deadline) timedOut() bool { return dl.fired.Load() }
