package replay

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/transport"
)

// Reader yields the frames of a candump log in order.
type Reader struct {
	sc     *bufio.Scanner
	closer io.Closer
	rate   float64
	line   int

	first time.Time // timestamp of the first paced line
	start time.Time // wall clock when it was returned

	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Reader)

// WithRate paces frames by their timestamps: 1 is real time, 2 twice as
// fast. 0 (the default) replays as fast as the consumer reads.
func WithRate(rate float64) Option { return func(r *Reader) { r.rate = rate } }

// WithClock replaces time.Now for tests.
func WithClock(now func() time.Time) Option { return func(r *Reader) { r.now = now } }

func NewReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{sc: bufio.NewScanner(src), now: time.Now, done: make(chan struct{})}
	if c, ok := src.(io.Closer); ok {
		r.closer = c
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open opens a log file for replay.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay open: %w", err)
	}
	return NewReader(f, opts...), nil
}

// ReadFrame returns the next frame, io.EOF at the end of the log, or an error
// wrapping ErrSyntax for a line that cannot be parsed (the next call carries
// on with the following line). Blank lines and lines starting with ';' or
// "//" are skipped.
func (r *Reader) ReadFrame() (can.Frame, error) {
	for r.sc.Scan() {
		r.line++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" || strings.HasPrefix(text, ";") || strings.HasPrefix(text, "//") {
			continue
		}
		ln, err := ParseLine(text)
		if err != nil {
			return can.Frame{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		if err := r.pace(ln.Time); err != nil {
			return can.Frame{}, err
		}
		return ln.Frame, nil
	}
	if err := r.sc.Err(); err != nil {
		return can.Frame{}, fmt.Errorf("replay read: %w", err)
	}
	return can.Frame{}, io.EOF
}

func (r *Reader) pace(ts time.Time) error {
	if r.rate <= 0 || ts.IsZero() {
		return nil
	}
	if r.first.IsZero() {
		r.first, r.start = ts, r.now()
		return nil
	}
	offset := time.Duration(float64(ts.Sub(r.first)) / r.rate)
	wait := r.start.Add(offset).Sub(r.now())
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.done:
		return fmt.Errorf("replay: %w", transport.ErrSourceGone)
	}
}

// Close stops pacing waits and closes the underlying file.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if r.closer != nil {
			err = r.closer.Close()
		}
	})
	return err
}
