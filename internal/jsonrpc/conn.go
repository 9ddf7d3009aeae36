// Package jsonrpc implements the line-delimited JSON-RPC 2.0 framing used by
// the stratum dialect on both sides of the proxy: named handler dispatch for
// inbound traffic, id correlation for outbound calls, and notification
// support. One reader and one writer goroutine run per connection.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultCallTimeout bounds outbound calls that don't specify their own.
	DefaultCallTimeout = 30 * time.Second

	writeTimeout  = 30 * time.Second
	sendQueueSize = 100

	// maxLineBytes bounds a single wire line. Equihash solutions are ~2.7KB
	// hex; anything near this limit is garbage.
	maxLineBytes = 1 << 20
)

// ErrConnClosed is returned by calls outstanding when the connection dies.
var ErrConnClosed = errors.New("connection closed")

// ErrCallTimeout is returned when the peer does not answer a call in time.
var ErrCallTimeout = errors.New("call timed out")

// Handler processes one inbound request or notification. The returned value
// becomes the result field of the reply; errors of type *Error are sent with
// their code, any other error is reported as code 20 (Other/Unknown).
type Handler func(ctx context.Context, params []any) (any, error)

// Result is the outcome of an outbound call.
type Result struct {
	Success bool
	Data    any
	Code    int
	Message string
}

// Conn is one line-delimited JSON-RPC connection.
type Conn struct {
	nc       net.Conn
	handlers map[string]Handler

	sendCh chan []byte
	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan Result

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewConn wraps an established transport connection. Handlers must be
// registered before Serve is called.
func NewConn(nc net.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		nc:       nc,
		handlers: make(map[string]Handler),
		sendCh:   make(chan []byte, sendQueueSize),
		pending:  make(map[uint64]chan Result),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers the handler invoked for the given method. Not safe to call
// once Serve has started.
func (c *Conn) Handle(method string, h Handler) {
	c.handlers[method] = h
}

// RemoteAddr reports the peer address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Close tears the connection down. Outstanding calls fail with ErrConnClosed.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.nc.Close()
		c.failPending()
	})
	return err
}

// Done is closed once the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Serve runs the read loop until the peer disconnects, the context is
// canceled, or a transport error occurs. It drives handler dispatch and
// response correlation; the connection is unusable after it returns.
func (c *Conn) Serve(ctx context.Context) error {
	go c.writeLoop()
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(ctx, line)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil && c.ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendCh:
			c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.nc.Write(append(data, '\n')); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) send(data []byte) error {
	select {
	case c.sendCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	}
}

// Call issues a request and waits for the correlated response. A timeout of
// zero applies DefaultCallTimeout.
func (c *Conn) Call(ctx context.Context, method string, params []any, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if params == nil {
		params = []any{}
	}

	id := c.nextID.Add(1)
	ch := make(chan Result, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return Result{}, err
	}
	if err := c.send(data); err != nil {
		c.dropPending(id)
		return Result{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return Result{}, ErrConnClosed
		}
		return res, nil
	case <-timer.C:
		c.dropPending(id)
		return Result{}, fmt.Errorf("%s: %w", method, ErrCallTimeout)
	case <-c.ctx.Done():
		c.dropPending(id)
		return Result{}, ErrConnClosed
	case <-ctx.Done():
		c.dropPending(id)
		return Result{}, ctx.Err()
	}
}

// Notify sends a request with a null id; the peer will not reply.
func (c *Conn) Notify(method string, params []any) error {
	if params == nil {
		params = []any{}
	}
	data, err := json.Marshal(request{ID: nil, Method: method, Params: params})
	if err != nil {
		return err
	}
	return c.send(data)
}

// Request sends an id-bearing request without waiting for the reply. Any
// response that arrives is discarded. Used for broadcasts that are requests
// on the wire but whose answers carry no information.
func (c *Conn) Request(method string, params []any) error {
	if params == nil {
		params = []any{}
	}
	data, err := json.Marshal(request{ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	return c.send(data)
}

func (c *Conn) handleLine(ctx context.Context, line []byte) {
	msg, err := parseMessage(line)
	if err != nil {
		log.Debugf("jsonrpc: dropping unparseable line from %s: %v", c.RemoteAddr(), err)
		c.reply(nil, nil, NewError(CodeParseError, "Parse error"))
		return
	}

	if msg.Method == "" {
		c.handleResponse(msg)
		return
	}

	h, ok := c.handlers[msg.Method]
	if !ok {
		if msg.ID != nil {
			c.reply(msg.ID, nil, NewError(CodeMethodNotFound, "Method not found"))
		}
		return
	}

	result, err := h(ctx, msg.Params)
	if msg.ID == nil {
		// Notification: the result is discarded, errors only logged.
		if err != nil {
			log.Debugf("jsonrpc: %s notification handler: %v", msg.Method, err)
		}
		return
	}

	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = NewError(20, err.Error())
		}
		c.reply(msg.ID, nil, rpcErr)
		return
	}
	c.reply(msg.ID, result, nil)
}

func (c *Conn) handleResponse(msg *message) {
	id, ok := msg.ID.(float64)
	if !ok {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[uint64(id)]
	if ok {
		delete(c.pending, uint64(id))
	}
	c.pendingMu.Unlock()
	if !ok {
		// A reply to a fire-and-forget Request, or one that timed out.
		return
	}

	res := Result{Success: msg.Error == nil, Data: msg.Result}
	if msg.Error != nil {
		res.Code, res.Message = parseError(msg.Error)
	}
	ch <- res
}

func (c *Conn) reply(id, result any, rpcErr *Error) {
	data, err := marshalResponse(id, result, rpcErr)
	if err != nil {
		return
	}
	if err := c.send(data); err != nil {
		log.Debugf("jsonrpc: reply to %s dropped: %v", c.RemoteAddr(), err)
	}
}

func (c *Conn) dropPending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
}
