package proxy

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/chimera-pool/stratum-proxy/internal/config"
	"github.com/chimera-pool/stratum-proxy/internal/monitoring"
)

// Application supervises every proxy instance defined in the config file,
// plus the optional metrics listener.
type Application struct {
	configPath string

	metrics       *monitoring.Metrics
	metricsServer *monitoring.Server

	mu      sync.Mutex
	proxies map[string]*Proxy
}

// NewApplication creates the supervisor for a config file.
func NewApplication(configPath string) *Application {
	return &Application{
		configPath: configPath,
		metrics:    monitoring.New(),
		proxies:    make(map[string]*Proxy),
	}
}

// Startup loads the configuration and starts every proxy. Duplicate proxy
// names and unknown protocol classes are configuration errors; a bind
// failure is fatal for the whole startup.
func (a *Application) Startup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	for _, proxyCfg := range cfg.Proxies {
		a.mu.Lock()
		_, dup := a.proxies[proxyCfg.Name]
		a.mu.Unlock()
		if dup {
			return config.NewConfigurationError(
				fmt.Sprintf("a proxy named %q already exists; check config file", proxyCfg.Name), nil)
		}

		p, err := New(proxyCfg, a.metrics)
		if err != nil {
			return err
		}
		if err := p.Startup(); err != nil {
			p.Shutdown()
			return err
		}

		a.mu.Lock()
		a.proxies[p.Name] = p
		a.mu.Unlock()
	}

	if cfg.Metrics.Listen != "" {
		a.metricsServer = monitoring.NewServer(cfg.Metrics.Listen, a.metrics)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				log.Warnf("metrics listener failed: %v", err)
			}
		}()
		log.Infof("* metrics exposed on http://%s/metrics", cfg.Metrics.Listen)
	}
	return nil
}

// Proxies snapshots the running instances.
func (a *Application) Proxies() []*Proxy {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Proxy, 0, len(a.proxies))
	for _, p := range a.proxies {
		out = append(out, p)
	}
	return out
}

// Shutdown stops all proxies concurrently, then the metrics listener.
func (a *Application) Shutdown() {
	var wg sync.WaitGroup
	for _, p := range a.Proxies() {
		wg.Add(1)
		go func(p *Proxy) {
			defer wg.Done()
			p.Shutdown()
		}(p)
	}
	wg.Wait()

	a.mu.Lock()
	a.proxies = make(map[string]*Proxy)
	a.mu.Unlock()

	if a.metricsServer != nil {
		a.metricsServer.Shutdown()
	}
}
