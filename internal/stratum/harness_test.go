package stratum

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// poolRequest is one request the fake pool received from the proxy.
type poolRequest struct {
	ID     any
	Method string
	Params []any
}

// fakePool is a scripted upstream stratum pool. It answers the handshake
// methods, records every request, and can push notifications at the proxy.
type fakePool struct {
	t  *testing.T
	ln net.Listener

	extraNonce1     string
	extraNonce2Size *int
	subsShape       string // "pairs", "single" or "bare"
	authorizeResult bool
	submitResult    bool

	reqCh  chan poolRequest
	respCh chan map[string]any

	mu       sync.Mutex
	conns    []net.Conn
	requests []poolRequest
	nextID   int
}

func newFakePool(t *testing.T, extraNonce1 string) *fakePool {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fp := &fakePool{
		t:               t,
		ln:              ln,
		extraNonce1:     extraNonce1,
		subsShape:       "pairs",
		authorizeResult: true,
		submitResult:    true,
		reqCh:           make(chan poolRequest, 64),
		respCh:          make(chan map[string]any, 64),
	}
	go fp.acceptLoop()
	t.Cleanup(fp.Close)
	return fp
}

func (fp *fakePool) Port() int {
	return fp.ln.Addr().(*net.TCPAddr).Port
}

func (fp *fakePool) Config(accountName, accountPassword string) PoolConfig {
	return PoolConfig{
		Host:            "127.0.0.1",
		Port:            fp.Port(),
		AccountName:     accountName,
		AccountPassword: accountPassword,
	}
}

func (fp *fakePool) acceptLoop() {
	for {
		nc, err := fp.ln.Accept()
		if err != nil {
			return
		}
		fp.mu.Lock()
		fp.conns = append(fp.conns, nc)
		fp.mu.Unlock()
		go fp.serve(nc)
	}
}

func (fp *fakePool) serve(nc net.Conn) {
	scanner := bufio.NewScanner(nc)
	for scanner.Scan() {
		var msg struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
			Params []any  `json:"params"`
			Result any    `json:"result"`
			Error  any    `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Method == "" {
			// A response to a request this pool pushed.
			select {
			case fp.respCh <- map[string]any{"id": msg.ID, "result": msg.Result, "error": msg.Error}:
			default:
			}
			continue
		}

		req := poolRequest{ID: msg.ID, Method: msg.Method, Params: msg.Params}
		fp.mu.Lock()
		fp.requests = append(fp.requests, req)
		fp.mu.Unlock()
		select {
		case fp.reqCh <- req:
		default:
		}

		var result any
		switch msg.Method {
		case "mining.subscribe":
			var subs any
			switch fp.subsShape {
			case "pairs":
				subs = []any{
					[]any{"mining.set_target", "sub-target"},
					[]any{"mining.notify", "sub-notify"},
				}
			case "single":
				subs = []any{"mining.notify", "sub-notify"}
			case "bare":
				subs = "sub-notify"
			}
			resultSlice := []any{subs, fp.extraNonce1}
			if fp.extraNonce2Size != nil {
				resultSlice = append(resultSlice, *fp.extraNonce2Size)
			}
			result = resultSlice
		case "mining.authorize":
			result = fp.authorizeResult
		case "mining.submit":
			result = fp.submitResult
		case "mining.extranonce.subscribe":
			result = true
		default:
			result = true
		}

		if msg.ID != nil {
			fp.write(nc, map[string]any{"id": msg.ID, "result": result, "error": nil})
		}
	}
	nc.Close()
}

// write marshals and sends one line; marshal cannot fail for the literal
// maps the fake pool builds.
func (fp *fakePool) write(nc net.Conn, v any) {
	data, _ := json.Marshal(v)
	fp.mu.Lock()
	defer fp.mu.Unlock()
	nc.Write(append(data, '\n'))
}

// Push sends a notification to every proxy connection.
func (fp *fakePool) Push(method string, params []any) {
	fp.mu.Lock()
	conns := append([]net.Conn(nil), fp.conns...)
	fp.mu.Unlock()

	for _, nc := range conns {
		fp.write(nc, map[string]any{"id": nil, "method": method, "params": params})
	}
}

// PushRequest sends an id-bearing request to every proxy connection; the
// answer arrives on WaitResponse.
func (fp *fakePool) PushRequest(method string, params []any) {
	fp.mu.Lock()
	fp.nextID++
	id := 1000 + fp.nextID
	conns := append([]net.Conn(nil), fp.conns...)
	fp.mu.Unlock()

	for _, nc := range conns {
		fp.write(nc, map[string]any{"id": id, "method": method, "params": params})
	}
}

// WaitRequest blocks until the proxy sends a request with the given method.
func (fp *fakePool) WaitRequest(method string, timeout time.Duration) (poolRequest, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case req := <-fp.reqCh:
			if req.Method == method {
				return req, true
			}
		case <-deadline:
			return poolRequest{}, false
		}
	}
}

// WaitResponse blocks until the proxy answers a pushed request.
func (fp *fakePool) WaitResponse(timeout time.Duration) (map[string]any, bool) {
	select {
	case resp := <-fp.respCh:
		return resp, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Requests snapshots the recorded requests for one method.
func (fp *fakePool) Requests(method string) []poolRequest {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	out := []poolRequest{}
	for _, req := range fp.requests {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

// DropConnections kills the proxy-facing connections, simulating a pool
// outage while keeping the listener up.
func (fp *fakePool) DropConnections() {
	fp.mu.Lock()
	conns := fp.conns
	fp.conns = nil
	fp.mu.Unlock()
	for _, nc := range conns {
		nc.Close()
	}
}

func (fp *fakePool) Close() {
	fp.ln.Close()
	fp.DropConnections()
}

// miner is a raw line-delimited client playing the role of mining hardware.
type miner struct {
	t       *testing.T
	nc      net.Conn
	scanner *bufio.Scanner
	pending []map[string]any
	nextID  int
}

func dialMiner(t *testing.T, addr string) *miner {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	return &miner{t: t, nc: nc, scanner: scanner}
}

func (m *miner) send(v any) {
	data, err := json.Marshal(v)
	require.NoError(m.t, err)
	_, err = m.nc.Write(append(data, '\n'))
	require.NoError(m.t, err)
}

func (m *miner) readLine(timeout time.Duration) (map[string]any, bool) {
	m.nc.SetReadDeadline(time.Now().Add(timeout))
	if !m.scanner.Scan() {
		return nil, false
	}
	var msg map[string]any
	require.NoError(m.t, json.Unmarshal(m.scanner.Bytes(), &msg))
	return msg, true
}

// call issues a request and waits for its response, stashing any server
// pushes that arrive in between.
func (m *miner) call(method string, params []any) (result any, errField any) {
	m.t.Helper()
	m.nextID++
	id := m.nextID
	m.send(map[string]any{"id": id, "method": method, "params": params})

	for i := 0; i < 50; i++ {
		msg, ok := m.readLine(10 * time.Second)
		require.True(m.t, ok, "no response to %s", method)
		if f, isResp := msg["id"].(float64); isResp && msg["method"] == nil && int(f) == id {
			return msg["result"], msg["error"]
		}
		m.pending = append(m.pending, msg)
	}
	m.t.Fatalf("response to %s never arrived", method)
	return nil, nil
}

// waitPush waits for a request or notification with the given method.
func (m *miner) waitPush(method string, timeout time.Duration) (map[string]any, bool) {
	for i, msg := range m.pending {
		if msg["method"] == method {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return msg, true
		}
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, ok := m.readLine(time.Until(deadline))
		if !ok {
			return nil, false
		}
		if msg["method"] == method {
			return msg, true
		}
		m.pending = append(m.pending, msg)
	}
	return nil, false
}

// expectClosed asserts the server side drops the connection.
func (m *miner) expectClosed(timeout time.Duration) {
	m.t.Helper()
	m.nc.SetReadDeadline(time.Now().Add(timeout))
	for m.scanner.Scan() {
	}
	// Scan returning false on EOF/reset means the peer closed; a deadline
	// error means it did not.
	if err := m.scanner.Err(); err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			m.t.Fatal("connection was not closed by the server")
		}
	}
}

// newTestProxy wires an equihash worker server and pool client the way the
// proxy package does, listening on an ephemeral port.
func newTestProxy(t *testing.T, maxWorkers int, extranonceSubscribe bool, pools ...PoolConfig) (*WorkerServer, *PoolClient) {
	t.Helper()

	pool, err := NewPoolClient(PoolClientConfig{
		ProxyName:           t.Name(),
		Strategy:            EquihashPoolStrategy{},
		Pools:               pools,
		ExtranonceSubscribe: extranonceSubscribe,
	})
	require.NoError(t, err)

	workers := NewWorkerServer(WorkerServerConfig{
		ProxyName:  t.Name(),
		Listen:     "127.0.0.1:0",
		MaxWorkers: &maxWorkers,
		Strategy:   EquihashWorkerStrategy{},
	})
	workers.Initialize(pool)
	require.NoError(t, workers.StartListening())

	t.Cleanup(func() {
		workers.Close()
		pool.Close()
	})
	return workers, pool
}

func equihashNotify(jobID string, clean bool) []any {
	return []any{jobID, "04000000", "prevhash", "merkleroot", "reserved", strconv.FormatInt(time.Now().Unix(), 16), "bits", clean}
}
