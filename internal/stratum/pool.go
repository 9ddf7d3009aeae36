package stratum

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chimera-pool/stratum-proxy/internal/jsonrpc"
	"github.com/chimera-pool/stratum-proxy/internal/monitoring"
	"github.com/chimera-pool/stratum-proxy/internal/version"
)

const (
	dialTimeout = 10 * time.Second

	// soloPoolRetryDelay is how long to wait before redialing when there is
	// no fallback pool to rotate to.
	soloPoolRetryDelay = 10 * time.Second

	// extranonceSubscribeTimeout bounds mining.extranonce.subscribe; some
	// pools never answer it even though it is not a notification.
	extranonceSubscribeTimeout = 5 * time.Second
)

// PoolConfig is one upstream pool endpoint with its credentials.
type PoolConfig struct {
	Host            string
	Port            int
	AccountName     string
	AccountPassword string
}

// Addr renders the dialable host:port.
func (c PoolConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PoolClient maintains the single upstream pool session for a proxy: it
// drives the subscribe/authorize handshake, receives job and target
// notifications, forwards authorized shares, and rotates through fallback
// pool configs on disconnect. The worker server's watchdog owns the
// reconnect loop.
type PoolClient struct {
	proxyName string
	logPrefix string
	strategy  PoolStrategy
	workers   *WorkerServer
	metrics   *monitoring.Metrics

	extranonceSubscribeEnabled bool

	ready  *readyLatch
	stopCh chan struct{}

	mu               sync.Mutex
	active           PoolConfig
	fallbacks        []PoolConfig
	conn             *jsonrpc.Conn
	connected        bool
	stopping         bool
	stopped          bool
	subscriptions    map[string]any
	extraNonce1      string
	extraNonce2Size  *int
	targetDifficulty any
	currentJob       []any
	jobs             *jobWindow
	authorized       map[string]string
	unauthorized     map[string]struct{}
}

// PoolClientConfig bundles the constructor inputs.
type PoolClientConfig struct {
	ProxyName           string
	Strategy            PoolStrategy
	Pools               []PoolConfig
	ExtranonceSubscribe bool
	Metrics             *monitoring.Metrics
}

// NewPoolClient builds the client; the head of the pool list is active, the
// rest are failover candidates.
func NewPoolClient(cfg PoolClientConfig) (*PoolClient, error) {
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("at least one pool configuration is required")
	}
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = BasePoolStrategy{}
	}
	return &PoolClient{
		proxyName:                  cfg.ProxyName,
		logPrefix:                  fmt.Sprintf("P:%s:", cfg.ProxyName),
		strategy:                   strategy,
		metrics:                    cfg.Metrics,
		extranonceSubscribeEnabled: cfg.ExtranonceSubscribe,
		ready:                      newReadyLatch(),
		stopCh:                     make(chan struct{}),
		active:                     cfg.Pools[0],
		fallbacks:                  append([]PoolConfig(nil), cfg.Pools[1:]...),
		subscriptions:              make(map[string]any),
		jobs:                       newJobWindow(jobWindowSize),
		authorized:                 make(map[string]string),
		unauthorized:               make(map[string]struct{}),
	}, nil
}

// SetWorkers wires the non-owning back-reference to the worker server. Must
// be called before Connect.
func (p *PoolClient) SetWorkers(w *WorkerServer) {
	p.workers = w
}

// Connected reports transport liveness.
func (p *PoolClient) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// IsReady reports whether the handshake has completed and jobs are flowing.
func (p *PoolClient) IsReady() bool {
	return p.ready.IsSet()
}

// SetReady arms the ready latch, releasing workers waiting to subscribe.
func (p *PoolClient) SetReady() {
	p.ready.Set()
}

// ReadyChan returns a channel closed once the pool is ready. After a
// disconnect a new channel gates the next generation.
func (p *PoolClient) ReadyChan() <-chan struct{} {
	return p.ready.Chan()
}

// ActiveConfig returns the pool config currently in use.
func (p *PoolClient) ActiveConfig() PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// NotifySubscriptionID returns the mining.notify subscription id negotiated
// with the pool, or nil before the first subscribe.
func (p *PoolClient) NotifySubscriptionID() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscriptions["mining.notify"]
}

// ExtraNonceData returns the pool-assigned nonce prefix and, when the coin
// carries one, the extra_nonce2 size.
func (p *PoolClient) ExtraNonceData() (string, *int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.extraNonce1, p.extraNonce2Size
}

// TargetDifficulty returns the last target or difficulty value seen, or nil.
func (p *PoolClient) TargetDifficulty() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetDifficulty
}

// CurrentJob returns the most recently notified job params, or nil.
func (p *PoolClient) CurrentJob() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentJob
}

// HasJob reports whether the job is still within the retained window.
func (p *PoolClient) HasJob(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobs.Has(jobID)
}

// JobIDs returns the retained job ids in arrival order.
func (p *PoolClient) JobIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobs.IDs()
}

// Connect dials the active pool config and starts the session. It does not
// run the handshake; callers follow up with Initialize and SetReady.
func (p *PoolClient) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	active := p.active
	p.mu.Unlock()

	dialer := net.Dialer{Timeout: dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", active.Addr())
	if err != nil {
		return fmt.Errorf("pool dial %s: %w", active.Addr(), err)
	}

	conn := jsonrpc.NewConn(nc)
	p.registerHandlers(conn)

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.mu.Unlock()
	p.metrics.SetPoolConnected(p.proxyName, true)

	log.Infof("%s connected to pool %s", p.logPrefix, active.Addr())

	go func() {
		err := conn.Serve(context.Background())
		p.onDisconnect(conn, err)
	}()
	return nil
}

// onDisconnect runs the failover sequence: clear ready, the job window and
// the authorization caches, close worker connections so they resubscribe
// under the new nonce, then rotate to the next pool config. The negotiated
// subscription ids are kept for the next mining.subscribe.
func (p *PoolClient) onDisconnect(conn *jsonrpc.Conn, serveErr error) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.connected = false
	stopping := p.stopping
	p.ready.Clear()
	p.jobs.Clear()
	p.currentJob = nil
	p.authorized = make(map[string]string)
	p.unauthorized = make(map[string]struct{})
	p.mu.Unlock()

	p.metrics.SetPoolConnected(p.proxyName, false)
	if stopping {
		return
	}

	if serveErr != nil {
		log.Warnf("%s pool connection lost: %v", p.logPrefix, serveErr)
	} else {
		log.Warnf("%s pool connection closed", p.logPrefix)
	}

	if p.workers != nil {
		p.workers.CloseAllConnections()
	}
	p.UseNextPoolConfig(context.Background())
}

// UseNextPoolConfig clears readiness and rotates the active config to the
// next fallback, appending the old one to the tail. With no fallback it
// waits before the caller retries the current pool. Honors Close, and is a
// no-op once a new connection is already up: the disconnect path and the
// watchdog both rotate, and the loser of that race must not rotate away
// from the pool the winner just connected to.
func (p *PoolClient) UseNextPoolConfig(ctx context.Context) {
	p.mu.Lock()
	if p.stopping || p.connected {
		p.mu.Unlock()
		return
	}
	p.ready.Clear()
	if len(p.fallbacks) == 0 {
		p.mu.Unlock()
		log.Warnf("%s waiting %s before reconnecting to current pool", p.logPrefix, soloPoolRetryDelay)
		select {
		case <-time.After(soloPoolRetryDelay):
		case <-p.stopCh:
		case <-ctx.Done():
		}
		return
	}

	next := p.fallbacks[0]
	p.fallbacks = append(p.fallbacks[1:], p.active)
	p.active = next
	p.mu.Unlock()

	log.Infof("%s switching to pool %s", p.logPrefix, next.Addr())
}

// Initialize runs the pool handshake on an established connection:
// mining.subscribe, then the optional mining.extranonce.subscribe.
func (p *PoolClient) Initialize(ctx context.Context) error {
	if err := p.subscribe(ctx); err != nil {
		return err
	}
	p.extranonceSubscribe(ctx)
	return nil
}

func (p *PoolClient) currentConn() *jsonrpc.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// subscribe issues mining.subscribe and parses the heterogeneous response
// shapes pools use for the subscription list: a list of [method, id] pairs,
// a single pair, or a bare id (taken to be mining.notify's).
func (p *PoolClient) subscribe(ctx context.Context) error {
	conn := p.currentConn()
	if conn == nil {
		return ErrConnNotEstablished
	}

	res, err := conn.Call(ctx, "mining.subscribe", p.strategy.SubscriptionRequestParams(p), 0)
	if err != nil {
		return fmt.Errorf("mining.subscribe: %w", err)
	}
	if !res.Success {
		log.Warnf("%s mining.subscribe response error code %d, message %q", p.logPrefix, res.Code, res.Message)
		return fmt.Errorf("mining.subscribe rejected: code %d, message %q", res.Code, res.Message)
	}

	data, ok := res.Data.([]any)
	if !ok || len(data) < 2 {
		return fmt.Errorf("mining.subscribe: malformed result %v", res.Data)
	}

	extraNonce1, ok := data[1].(string)
	if !ok || extraNonce1 == "" {
		return fmt.Errorf("mining.subscribe: missing extra_nonce1 in %v", res.Data)
	}
	var extraNonce2Size *int
	if len(data) > 2 {
		if f, ok := data[2].(float64); ok {
			size := int(f)
			extraNonce2Size = &size
		}
	}

	p.mu.Lock()
	p.storeSubscriptions(data[0])
	if extraNonce1 != p.extraNonce1 {
		p.extraNonce1 = extraNonce1
		p.extraNonce2Size = extraNonce2Size
	}
	p.mu.Unlock()

	log.Debugf("%s subscribed, extra_nonce1=%s", p.logPrefix, extraNonce1)
	return nil
}

// storeSubscriptions is called with the pool state lock held.
func (p *PoolClient) storeSubscriptions(raw any) {
	switch subs := raw.(type) {
	case nil:
		// Pool doesn't support subscriptions.
	case []any:
		if len(subs) == 0 {
			return
		}
		if _, nested := subs[0].([]any); nested {
			for _, entry := range subs {
				pair, ok := entry.([]any)
				if !ok || len(pair) < 2 {
					continue
				}
				if method, ok := pair[0].(string); ok {
					p.subscriptions[method] = pair[1]
				}
			}
			return
		}
		if method, ok := subs[0].(string); ok && len(subs) >= 2 {
			p.subscriptions[method] = subs[1]
		}
	default:
		// Bare scalar: the mining.notify subscription id (zcash et al).
		p.subscriptions["mining.notify"] = subs
	}
}

// extranonceSubscribe opts in to mining.set_extranonce updates when the
// config asks for it. Pools that don't support the call either answer false
// or never answer at all; both are tolerated.
func (p *PoolClient) extranonceSubscribe(ctx context.Context) bool {
	if !p.extranonceSubscribeEnabled {
		return false
	}
	conn := p.currentConn()
	if conn == nil {
		return false
	}
	res, err := conn.Call(ctx, "mining.extranonce.subscribe", nil, extranonceSubscribeTimeout)
	if err != nil || !res.Success {
		log.Infof("%s pool doesn't support 'mining.extranonce.subscribe'", p.logPrefix)
		return false
	}
	accepted, _ := res.Data.(bool)
	if !accepted {
		log.Infof("%s pool declined 'mining.extranonce.subscribe'", p.logPrefix)
	}
	return accepted
}

// authParams translates a miner's account name into the credentials the
// pool expects. The pool config's account is authoritative; when it has no
// worker suffix, the suffix after the last '.' of the miner's name (if any)
// is appended so the pool can tell rigs apart.
func (p *PoolClient) authParams(minerName string) (string, string) {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()

	name := active.AccountName
	password := active.AccountPassword
	if name == "" {
		log.Errorf("%s no pool credentials (account name/password) are set", p.logPrefix)
	}

	if !strings.Contains(name, ".") {
		workerSuffix := ""
		if i := strings.LastIndex(minerName, "."); i >= 0 {
			workerSuffix = minerName[i+1:]
		}
		parts := make([]string, 0, 2)
		for _, s := range []string{name, workerSuffix} {
			if s != "" {
				parts = append(parts, s)
			}
		}
		name = strings.Join(parts, ".")
	}
	return name, password
}

// Authorize resolves the miner's credentials against the pool, caching both
// accepted and denied names so each resolved account authorizes upstream at
// most once.
func (p *PoolClient) Authorize(ctx context.Context, minerName, minerPassword string) (bool, error) {
	poolName, poolPassword := p.authParams(minerName)

	p.mu.Lock()
	stored, authorized := p.authorized[poolName]
	_, denied := p.unauthorized[poolName]
	conn := p.conn
	p.mu.Unlock()

	if authorized && stored == poolPassword {
		return true, nil
	}
	if poolName == "" || denied {
		return false, nil
	}
	if conn == nil {
		return false, ErrConnNotEstablished
	}

	res, err := conn.Call(ctx, "mining.authorize", []any{poolName, poolPassword}, 0)
	if err != nil {
		return false, err
	}
	if !res.Success {
		p.mu.Lock()
		p.unauthorized[poolName] = struct{}{}
		p.mu.Unlock()
		log.Warnf("%s pool authorization error for %s: code %d, message %q", p.logPrefix, poolName, res.Code, res.Message)
		return false, nil
	}

	accepted, _ := res.Data.(bool)
	p.mu.Lock()
	if accepted {
		p.authorized[poolName] = poolPassword
	} else {
		p.unauthorized[poolName] = struct{}{}
	}
	p.mu.Unlock()
	if !accepted {
		log.Warnf("%s pool authorization denied for %s", p.logPrefix, poolName)
	}
	return accepted, nil
}

// Submit rewrites the share's account name to the translated pool account
// and forwards it. Unauthorized names fail without touching the pool.
func (p *PoolClient) Submit(ctx context.Context, params []any) (bool, error) {
	if len(params) == 0 {
		return false, ErrInvalidParams
	}
	minerName, _ := params[0].(string)
	poolName, poolPassword := p.authParams(minerName)

	p.mu.Lock()
	stored, authorized := p.authorized[poolName]
	conn := p.conn
	p.mu.Unlock()

	if !authorized || stored != poolPassword {
		return false, ErrUnauthorizedWorker
	}
	if conn == nil {
		return false, ErrConnNotEstablished
	}

	params[0] = poolName
	log.Debugf("%s mining.submit params sent to pool %v", p.logPrefix, params)

	res, err := conn.Call(ctx, "mining.submit", params, 0)
	if err != nil {
		return false, err
	}
	accepted, _ := res.Data.(bool)
	return res.Success && accepted, nil
}

// Close ends the session permanently; no failover runs afterwards.
func (p *PoolClient) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.stopped = true
	conn := p.conn
	p.mu.Unlock()

	close(p.stopCh)
	if conn != nil {
		conn.Close()
	}
}

// dropConnection closes the current transport so the normal disconnect flow
// (and the watchdog) take over. Used when the handshake fails mid-way.
func (p *PoolClient) dropConnection() {
	if conn := p.currentConn(); conn != nil {
		conn.Close()
	}
}

func (p *PoolClient) registerHandlers(conn *jsonrpc.Conn) {
	conn.Handle("mining.notify", p.handleNotify)
	conn.Handle("mining.set_target", p.handleSetTargetMethod("mining.set_target"))
	conn.Handle("mining.set_difficulty", p.handleSetTargetMethod("mining.set_difficulty"))
	conn.Handle("mining.set_extranonce", p.handleSetExtranonce)
	conn.Handle("client.show_message", p.handleShowMessage)
	conn.Handle("client.get_version", p.handleGetVersion)
}

// handleNotify validates the job, stores it in the bounded window, and fans
// it out to every worker.
func (p *PoolClient) handleNotify(ctx context.Context, params []any) (any, error) {
	jobID, cleanJobs, err := p.strategy.ValidateJobParams(params)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, nil
	}

	p.mu.Lock()
	if cleanJobs {
		p.jobs.Clear()
	}
	p.currentJob = params
	p.jobs.Put(jobID, params)
	p.mu.Unlock()

	p.metrics.JobReceived(p.proxyName)
	log.Debugf("%s job %s received (clean_jobs=%v)", p.logPrefix, jobID, cleanJobs)

	if p.workers != nil {
		p.workers.Broadcast("mining.notify", params, true)
	}
	return nil, nil
}

// handleSetTargetMethod records the new target/difficulty and rebroadcasts
// it under the same method name.
func (p *PoolClient) handleSetTargetMethod(method string) jsonrpc.Handler {
	return func(ctx context.Context, params []any) (any, error) {
		if len(params) < 1 {
			return nil, ErrInvalidParams
		}
		p.mu.Lock()
		p.targetDifficulty = params[0]
		p.mu.Unlock()

		if p.workers != nil {
			p.workers.Broadcast(method, params, true)
		}
		return nil, nil
	}
}

// handleSetExtranonce adopts the pool's new nonce data, forwards the
// tail-adjusted values to workers subscribed to extranonce updates, and
// force-closes the rest so they reconnect under the new nonce.
func (p *PoolClient) handleSetExtranonce(ctx context.Context, params []any) (any, error) {
	if len(params) != 2 {
		return nil, ErrInvalidParams
	}
	extraNonce1, ok := params[0].(string)
	if !ok {
		return nil, ErrInvalidParams
	}
	var extraNonce2Size *int
	if f, ok := params[1].(float64); ok {
		size := int(f)
		extraNonce2Size = &size
	}

	p.mu.Lock()
	p.extraNonce1 = extraNonce1
	p.extraNonce2Size = extraNonce2Size
	p.mu.Unlock()

	if p.workers == nil {
		return nil, nil
	}
	for _, wc := range p.workers.Clients() {
		if wc.ExtranonceSubscribed() {
			adjusted := []any{extraNonce1 + wc.tail, params[1]}
			if extraNonce2Size != nil {
				adjusted[1] = *extraNonce2Size - len(wc.tail)/2
			}
			wc.rpc.Notify("mining.set_extranonce", adjusted)
		} else {
			p.workers.CloseConnection(wc)
		}
	}
	return nil, nil
}

// handleShowMessage relays the pool's operator message to every worker in
// request form, as it arrived.
func (p *PoolClient) handleShowMessage(ctx context.Context, params []any) (any, error) {
	if len(params) != 1 {
		return nil, ErrInvalidParams
	}
	if p.workers != nil {
		p.workers.Broadcast("client.show_message", params, false)
	}
	return nil, nil
}

func (p *PoolClient) handleGetVersion(ctx context.Context, params []any) (any, error) {
	return version.AppVersion, nil
}
