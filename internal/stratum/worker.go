package stratum

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/chimera-pool/stratum-proxy/internal/jsonrpc"
	"github.com/chimera-pool/stratum-proxy/internal/monitoring"
)

// watchdogInterval is how often the pool watchdog checks the upstream link.
const watchdogInterval = time.Second

// WorkerConn is one miner connection with its slice of the nonce space.
type WorkerConn struct {
	ID   string
	rpc  *jsonrpc.Conn
	tail string

	extranonceSubscribed atomic.Bool
}

// Tail returns the extra_nonce1 tail assigned to this worker; empty in solo
// mode.
func (c *WorkerConn) Tail() string {
	return c.tail
}

// ExtranonceSubscribed reports whether the worker asked to receive
// mining.set_extranonce updates.
func (c *WorkerConn) ExtranonceSubscribed() bool {
	return c.extranonceSubscribed.Load()
}

// WorkerServer accepts miner connections, assigns each a distinct nonce
// tail, proxies the stratum methods to the pool client, and hosts the pool
// watchdog that owns upstream reconnection.
type WorkerServer struct {
	proxyName string
	logPrefix string
	listen    string
	strategy  WorkerStrategy
	auth      *WorkerAuth
	metrics   *monitoring.Metrics

	maxWorkers   int
	tails        *tailAllocator
	recentShares *shareLog

	pool *PoolClient

	mu       sync.RWMutex
	clients  map[string]*WorkerConn
	listener net.Listener

	// connCount tracks accepted connections, including those still waiting
	// for pool readiness; the watchdog keys off it.
	connCount atomic.Int64

	stopping atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// WorkerServerConfig bundles the constructor inputs. MaxWorkers nil means
// unset (defaults to 256); values outside {1, 256, 65536} also fall back to
// 256 with a warning.
type WorkerServerConfig struct {
	ProxyName  string
	Listen     string
	MaxWorkers *int
	Strategy   WorkerStrategy
	Auth       *WorkerAuth
	Metrics    *monitoring.Metrics
}

// NewWorkerServer builds the server; Initialize wires the pool reference
// and StartListening binds the socket.
func NewWorkerServer(cfg WorkerServerConfig) *WorkerServer {
	ctx, cancel := context.WithCancel(context.Background())
	logPrefix := fmt.Sprintf("W:%s:", cfg.ProxyName)

	strategy := cfg.Strategy
	if strategy == nil {
		strategy = BaseWorkerStrategy{}
	}

	maxWorkers := 256
	switch {
	case cfg.MaxWorkers == nil:
		log.Infof("%s defaulting to %v max workers", logPrefix, cfg.MaxWorkers)
	case *cfg.MaxWorkers == 1, *cfg.MaxWorkers == 256, *cfg.MaxWorkers == 65536:
		maxWorkers = *cfg.MaxWorkers
	default:
		log.Warnf("%s invalid 'max_workers' setting (%d), defaulting to %d instead", logPrefix, *cfg.MaxWorkers, maxWorkers)
	}

	if maxWorkers != 1 {
		log.Infof("%s up to %d workers supported (distinct nonce spaces)", logPrefix, maxWorkers)
	} else {
		log.Infof("%s solo worker mode (single nonce space)", logPrefix)
	}

	return &WorkerServer{
		proxyName:    cfg.ProxyName,
		logPrefix:    logPrefix,
		listen:       cfg.Listen,
		strategy:     strategy,
		auth:         cfg.Auth,
		metrics:      cfg.Metrics,
		maxWorkers:   maxWorkers,
		tails:        newTailAllocator(maxWorkers),
		recentShares: newShareLog(recentShareWindow),
		clients:      make(map[string]*WorkerConn),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// MaxWorkers reports the resolved worker cap.
func (w *WorkerServer) MaxWorkers() int {
	return w.maxWorkers
}

// Initialize wires the pool back-reference and starts the watchdog.
func (w *WorkerServer) Initialize(pool *PoolClient) {
	w.pool = pool
	pool.SetWorkers(w)

	w.wg.Add(1)
	go w.poolWatchdog()
}

// StartListening binds the worker listener and starts accepting miners.
func (w *WorkerServer) StartListening() error {
	listener, err := net.Listen("tcp", w.listen)
	if err != nil {
		return fmt.Errorf("worker listen %s: %w", w.listen, err)
	}

	w.mu.Lock()
	w.listener = listener
	w.mu.Unlock()

	log.Infof("%s listening for workers on %s", w.logPrefix, listener.Addr())

	w.wg.Add(1)
	go w.acceptLoop(listener)
	return nil
}

// Addr returns the bound listener address, or the configured one before
// binding.
func (w *WorkerServer) Addr() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.listener != nil {
		return w.listener.Addr().String()
	}
	return w.listen
}

// ConnCount reports live accepted connections, including ones still waiting
// for the pool to become ready.
func (w *WorkerServer) ConnCount() int {
	return int(w.connCount.Load())
}

// TailCount reports how many nonce tails are claimed.
func (w *WorkerServer) TailCount() int {
	return w.tails.Len()
}

// Clients snapshots the registered worker connections.
func (w *WorkerServer) Clients() []*WorkerConn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*WorkerConn, 0, len(w.clients))
	for _, wc := range w.clients {
		out = append(out, wc)
	}
	return out
}

// poolWatchdog reconnects the upstream pool while at least one worker is
// connected, rotating through fallback configs until a dial succeeds, then
// runs the handshake and arms the ready latch.
func (w *WorkerServer) poolWatchdog() {
	defer w.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}

		if w.connCount.Load() == 0 || w.pool.Connected() {
			continue
		}

		for {
			err := w.pool.Connect(w.ctx)
			if err == nil {
				break
			}
			log.Debugf("%s pool connect failed: %v", w.logPrefix, err)
			if w.stopping.Load() || w.ctx.Err() != nil {
				return
			}
			w.pool.UseNextPoolConfig(w.ctx)
			if w.ctx.Err() != nil {
				return
			}
		}

		if err := w.pool.Initialize(w.ctx); err != nil {
			log.Warnf("%s pool handshake failed: %v", w.logPrefix, err)
			w.pool.dropConnection()
			continue
		}
		w.pool.SetReady()
		w.metrics.PoolReconnect(w.proxyName)
	}
}

func (w *WorkerServer) acceptLoop(listener net.Listener) {
	defer w.wg.Done()

	for {
		nc, err := listener.Accept()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			log.Debugf("%s accept error: %v", w.logPrefix, err)
			continue
		}
		w.wg.Add(1)
		go w.handleConn(nc)
	}
}

// handleConn runs one worker session: wait for pool readiness, claim a nonce
// tail, then serve the dispatch loop until disconnect.
func (w *WorkerServer) handleConn(nc net.Conn) {
	defer w.wg.Done()
	defer nc.Close()

	w.connCount.Add(1)
	defer w.connCount.Add(-1)

	if !w.pool.Connected() || !w.pool.IsReady() {
		// Stale submissions from the previous pool session are meaningless
		// under the new nonce.
		w.recentShares.Clear()
		select {
		case <-w.pool.ReadyChan():
		case <-w.ctx.Done():
			return
		}
	}

	tail, err := w.tails.Acquire()
	if err != nil {
		log.Warnf("%s maximum number of %d workers reached, disconnecting", w.logPrefix, w.maxWorkers)
		return
	}
	defer w.tails.Release(tail)

	wc := &WorkerConn{
		ID:   uuid.New().String(),
		rpc:  jsonrpc.NewConn(nc),
		tail: tail,
	}
	w.registerHandlers(wc)

	w.mu.Lock()
	w.clients[wc.ID] = wc
	w.mu.Unlock()
	w.metrics.WorkerConnected(w.proxyName)
	log.Infof("%s worker connected from %s (tail %q)", w.logPrefix, wc.rpc.RemoteAddr(), tail)

	defer w.cleanupConn(wc)
	wc.rpc.Serve(w.ctx)
}

func (w *WorkerServer) cleanupConn(wc *WorkerConn) {
	w.mu.Lock()
	delete(w.clients, wc.ID)
	w.mu.Unlock()
	w.metrics.WorkerDisconnected(w.proxyName)
	log.Infof("%s worker %s disconnected", w.logPrefix, wc.rpc.RemoteAddr())
}

func (w *WorkerServer) registerHandlers(wc *WorkerConn) {
	wc.rpc.Handle("mining.subscribe", func(ctx context.Context, params []any) (any, error) {
		return w.handleSubscribe(wc)
	})
	wc.rpc.Handle("mining.authorize", func(ctx context.Context, params []any) (any, error) {
		return w.handleAuthorize(ctx, params)
	})
	wc.rpc.Handle("mining.submit", func(ctx context.Context, params []any) (any, error) {
		return w.handleSubmit(ctx, wc, params)
	})
	wc.rpc.Handle("mining.extranonce.subscribe", func(ctx context.Context, params []any) (any, error) {
		wc.extranonceSubscribed.Store(true)
		return true, nil
	})
}

// handleSubscribe replies with the worker's composite nonce prefix. The
// post-subscribe push runs concurrently with the reply, so a worker may see
// the pushed target and notify before or after the ack.
func (w *WorkerServer) handleSubscribe(wc *WorkerConn) (any, error) {
	go w.strategy.PostSubscribe(w, wc)

	extraNonce1, extraNonce2Size := w.pool.ExtraNonceData()

	// nil in slot 0: resumable subscriptions are unsupported.
	result := []any{nil, extraNonce1 + wc.tail}
	if extraNonce2Size != nil {
		result = append(result, *extraNonce2Size-len(wc.tail)/2)
	}
	return result, nil
}

func (w *WorkerServer) handleAuthorize(ctx context.Context, params []any) (any, error) {
	var name, password string
	switch len(params) {
	case 2:
		n, ok1 := params[0].(string)
		pw, ok2 := params[1].(string)
		if !ok1 || !ok2 {
			return nil, ErrInvalidParams
		}
		name, password = n, pw
	case 1:
		n, ok := params[0].(string)
		if !ok {
			return nil, ErrInvalidParams
		}
		name = n
	default:
		return nil, ErrInvalidParams
	}

	if w.auth != nil && !w.auth.Verify(name, password) {
		log.Warnf("%s local authorization refused for %s", w.logPrefix, name)
		return false, nil
	}
	return w.pool.Authorize(ctx, name, password)
}

func (w *WorkerServer) handleSubmit(ctx context.Context, wc *WorkerConn, params []any) (any, error) {
	validated, err := w.strategy.ValidateShareParams(w, wc, params)
	if err != nil {
		w.metrics.ShareResult(w.proxyName, shareErrorLabel(err))
		return nil, err
	}

	accepted, err := w.pool.Submit(ctx, validated)
	switch {
	case err != nil:
		w.metrics.ShareResult(w.proxyName, shareErrorLabel(err))
		return nil, err
	case accepted:
		w.metrics.ShareResult(w.proxyName, monitoring.ShareAccepted)
	default:
		w.metrics.ShareResult(w.proxyName, monitoring.ShareRejected)
	}
	return accepted, nil
}

func shareErrorLabel(err error) string {
	switch err {
	case ErrJobNotFound:
		return monitoring.ShareStale
	case ErrDuplicateShare:
		return monitoring.ShareDuplicate
	case ErrUnauthorizedWorker:
		return monitoring.ShareUnauthorized
	default:
		return monitoring.ShareInvalid
	}
}

// Broadcast fans a method out to every registered worker, as a notification
// or in request form. Order across workers is unspecified.
func (w *WorkerServer) Broadcast(method string, params []any, notification bool) {
	for _, wc := range w.Clients() {
		var err error
		if notification {
			err = wc.rpc.Notify(method, params)
		} else {
			err = wc.rpc.Request(method, params)
		}
		if err != nil {
			log.Debugf("%s broadcast %s to %s failed: %v", w.logPrefix, method, wc.rpc.RemoteAddr(), err)
		}
	}
}

// CloseConnection drops one worker; its session goroutine handles cleanup.
func (w *WorkerServer) CloseConnection(wc *WorkerConn) {
	wc.rpc.Close()
}

// CloseAllConnections drops every worker so they reconnect and resubscribe,
// typically under a new pool nonce.
func (w *WorkerServer) CloseAllConnections() {
	for _, wc := range w.Clients() {
		wc.rpc.Close()
	}
}

// Close stops the listener, disconnects all workers, and waits for the
// watchdog and session goroutines to finish.
func (w *WorkerServer) Close() {
	w.stopping.Store(true)
	w.cancel()

	w.mu.Lock()
	listener := w.listener
	w.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	w.CloseAllConnections()
	w.wg.Wait()
}
