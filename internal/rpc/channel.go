package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/matheus3301/tgsync/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a call when Options.Timeout is zero.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxLineBytes bounds one inbound line when Options.MaxLineBytes is zero.
	DefaultMaxLineBytes = 8 << 20
)

// Outcome says what HandleLine did with one inbound line.
type Outcome int

const (
	Malformed  Outcome = iota // not JSON, or not a frame we understand
	Resolved                  // completed a pending call
	Stale                     // response for an id that is no longer pending
	Notified                  // notification delivered to the observer
	Dropped                   // notification with no observer registered
	Unroutable                // valid JSON without id and without notification marker
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Stale:
		return "stale"
	case Notified:
		return "notified"
	case Dropped:
		return "dropped"
	case Unroutable:
		return "unroutable"
	default:
		return "malformed"
	}
}

// Options configures a Channel.
type Options struct {
	Timeout time.Duration
	// MaxLineBytes caps one inbound line; longer lines are discarded.
	MaxLineBytes int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Channel multiplexes correlated calls over one worker's stdin/stdout.
// It outlives individual worker processes: the supervisor attaches each new
// process's stdin and feeds its stdout to Serve.
type Channel struct {
	mu         sync.Mutex
	out        io.Writer
	nextID     uint64
	pending    map[uint64]*call
	observer   func(Notification)
	onResponse func()

	writeMu sync.Mutex

	timeout time.Duration
	maxLine int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type call struct {
	method string
	done   chan reply
}

type reply struct {
	result json.RawMessage
	err    error
	failed bool
}

// NewChannel creates a detached channel. Calls fail with ErrNotRunning until Attach.
func NewChannel(opts Options) *Channel {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Channel{
		pending: make(map[uint64]*call),
		timeout: opts.Timeout,
		maxLine: opts.MaxLineBytes,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Attach routes future requests to w (the worker's stdin).
func (c *Channel) Attach(w io.Writer) {
	c.mu.Lock()
	c.out = w
	c.mu.Unlock()
}

// Detach stops routing requests and fails every pending call with err.
func (c *Channel) Detach(err error) int {
	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()
	return c.FailAll(err)
}

// FailAll rejects every outstanding call with err and returns how many there were.
func (c *Channel) FailAll(err error) int {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[uint64]*call)
	c.mu.Unlock()

	for _, cl := range calls {
		cl.done <- reply{err: err, failed: true}
	}
	return len(calls)
}

// Pending returns the number of calls awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SetObserver registers the single notification observer. The last
// registration wins; nil unregisters. The observer runs on the reader
// goroutine and must not block.
func (c *Channel) SetObserver(fn func(Notification)) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

// OnResponse registers a hook run for every well-formed response frame.
func (c *Channel) OnResponse(fn func()) {
	c.mu.Lock()
	c.onResponse = fn
	c.mu.Unlock()
}

// Call sends method with params and decodes the result into result (which may be nil).
func (c *Channel) Call(ctx context.Context, method string, params, result any) error {
	return c.CallTimeout(ctx, c.timeout, method, params, result)
}

// CallTimeout is Call with an explicit per-call deadline.
func (c *Channel) CallTimeout(ctx context.Context, timeout time.Duration, method string, params, result any) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveCall(method, outcome(err), time.Since(start)) }()

	raw, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	c.mu.Lock()
	out := c.out
	if out == nil {
		c.mu.Unlock()
		return &TransportError{Method: method, Err: ErrNotRunning}
	}
	c.nextID++
	id := c.nextID
	cl := &call{method: method, done: make(chan reply, 1)}
	c.pending[id] = cl
	c.mu.Unlock()

	line, err := json.Marshal(Frame{JSONRPC: "2.0", ID: &id, Method: method, Params: raw})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	if err := c.write(out, append(line, '\n')); err != nil {
		c.forget(id)
		return &TransportError{Method: method, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var rep reply
	select {
	case rep = <-cl.done:
	case <-timer.C:
		if c.forget(id) {
			return &TimeoutError{Method: method, ID: id, After: timeout}
		}
		rep = <-cl.done
	case <-ctx.Done():
		if c.forget(id) {
			return ctx.Err()
		}
		rep = <-cl.done
	}

	if rep.failed {
		return fmt.Errorf("rpc %s: %w", method, rep.err)
	}
	if rep.err != nil {
		return rep.err
	}
	if result == nil || len(rep.result) == 0 || bytes.Equal(rep.result, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(rep.result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// forget removes a pending entry. It reports false if the entry was already
// taken by a response or FailAll, in which case a reply is on its way.
func (c *Channel) forget(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Channel) write(w io.Writer, line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := w.Write(line)
	return err
}

// Serve reads newline-delimited frames from r until EOF or a read error.
// Bad lines are logged and skipped. A line longer than the configured cap is
// discarded without being buffered in full.
func (c *Channel) Serve(r io.Reader) error {
	br := bufio.NewReader(r)
	var (
		line      []byte
		oversized bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > c.maxLine {
				oversized = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if oversized {
			c.logger.Warn("discarded oversized worker line", zap.Int("limit", c.maxLine))
			oversized = false
		} else if len(bytes.TrimSpace(line)) > 0 {
			if o := c.HandleLine(line); o == Malformed || o == Unroutable {
				c.logger.Debug("ignored worker line", zap.Stringer("outcome", o), zap.Int("bytes", len(line)))
			}
		}
		line = line[:0]

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// HandleLine routes one inbound line and reports what happened to it.
func (c *Channel) HandleLine(line []byte) Outcome {
	var f Frame
	if err := json.Unmarshal(bytes.TrimSpace(line), &f); err != nil {
		return Malformed
	}

	if f.ID == nil {
		if f.Method != NotificationMethod {
			return Unroutable
		}
		n, err := parseNotification(f.Params)
		if err != nil {
			return Malformed
		}
		return c.Emit(n)
	}

	c.mu.Lock()
	cl, ok := c.pending[*f.ID]
	if ok {
		delete(c.pending, *f.ID)
	}
	hook := c.onResponse
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !ok {
		c.logger.Debug("discarding response for unknown call", zap.Uint64("id", *f.ID))
		return Stale
	}
	if f.Error != nil {
		cl.done <- reply{err: f.Error}
	} else {
		cl.done <- reply{result: f.Result}
	}
	return Resolved
}

// Emit delivers n to the registered observer, or reports Dropped if there is none.
func (c *Channel) Emit(n Notification) Outcome {
	c.mu.Lock()
	fn := c.observer
	c.mu.Unlock()
	if fn == nil {
		return Dropped
	}
	fn(n)
	return Notified
}
