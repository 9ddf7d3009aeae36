// Package proxy binds a pool client and a worker server into proxy
// instances and supervises them as one application.
package proxy

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/chimera-pool/stratum-proxy/internal/config"
	"github.com/chimera-pool/stratum-proxy/internal/monitoring"
	"github.com/chimera-pool/stratum-proxy/internal/stratum"
)

// AddressInUseError is fatal for a proxy at startup: its worker listener
// could not bind.
type AddressInUseError struct {
	Addr string
	Err  error
}

func (e *AddressInUseError) Error() string {
	return fmt.Sprintf("server address in use: %s: %v", e.Addr, e.Err)
}

func (e *AddressInUseError) Unwrap() error {
	return e.Err
}

// Proxy is one named instance: exactly one pool client and one worker
// server, each holding a non-owning handle to the other.
type Proxy struct {
	Name string

	pool    *stratum.PoolClient
	workers *stratum.WorkerServer
}

// New builds a proxy from its config entry, resolving the protocol
// strategies from the registry.
func New(cfg config.ProxyConfig, metrics *monitoring.Metrics) (*Proxy, error) {
	workerStrategy, err := stratum.NewWorkerStrategy(cfg.WorkerClass)
	if err != nil {
		return nil, config.NewConfigurationError(fmt.Sprintf("proxy %q", cfg.Name), err)
	}
	poolStrategy, err := stratum.NewPoolStrategy(cfg.PoolClass)
	if err != nil {
		return nil, config.NewConfigurationError(fmt.Sprintf("proxy %q", cfg.Name), err)
	}

	pools := make([]stratum.PoolConfig, 0, len(cfg.Pools))
	for _, entry := range cfg.Pools {
		pools = append(pools, stratum.PoolConfig{
			Host:            entry.Host,
			Port:            entry.Port,
			AccountName:     entry.AccountName,
			AccountPassword: entry.AccountPassword,
		})
	}

	pool, err := stratum.NewPoolClient(stratum.PoolClientConfig{
		ProxyName:           cfg.Name,
		Strategy:            poolStrategy,
		Pools:               pools,
		ExtranonceSubscribe: cfg.ExtranonceSubscribe,
		Metrics:             metrics,
	})
	if err != nil {
		return nil, config.NewConfigurationError(fmt.Sprintf("proxy %q", cfg.Name), err)
	}

	workers := stratum.NewWorkerServer(stratum.WorkerServerConfig{
		ProxyName:  cfg.Name,
		Listen:     cfg.Listen.Addr(),
		MaxWorkers: cfg.MaxWorkers,
		Strategy:   workerStrategy,
		Auth:       stratum.NewWorkerAuth(cfg.WorkerAuth),
		Metrics:    metrics,
	})

	return &Proxy{Name: cfg.Name, pool: pool, workers: workers}, nil
}

// Workers exposes the worker server (tests and supervisors).
func (p *Proxy) Workers() *stratum.WorkerServer {
	return p.workers
}

// Pool exposes the pool client (tests and supervisors).
func (p *Proxy) Pool() *stratum.PoolClient {
	return p.pool
}

// Startup wires the components and binds the worker listener. The pool
// connects lazily, once the watchdog sees the first worker.
func (p *Proxy) Startup() error {
	log.Infof("* %s proxy starting", p.Name)

	p.workers.Initialize(p.pool)
	if err := p.workers.StartListening(); err != nil {
		return &AddressInUseError{Addr: p.workers.Addr(), Err: err}
	}

	log.Infof("* %s proxy started, waiting for worker connections", p.Name)
	return nil
}

// Shutdown closes the worker side first, then the pool session.
func (p *Proxy) Shutdown() {
	log.Infof("* %s proxy stopping", p.Name)

	p.workers.Close()
	p.pool.Close()

	log.Infof("* %s proxy stopped", p.Name)
}

// IsFatalStartupError reports whether err should terminate the process with
// a non-zero exit: configuration and bind failures.
func IsFatalStartupError(err error) bool {
	var cfgErr *config.ConfigurationError
	var bindErr *AddressInUseError
	return errors.As(err, &cfgErr) || errors.As(err, &bindErr)
}
