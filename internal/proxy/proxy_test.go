package proxy

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/stratum-proxy/internal/config"
	"github.com/chimera-pool/stratum-proxy/internal/monitoring"
)

func proxyConfig(name string, port int) config.ProxyConfig {
	return config.ProxyConfig{
		Name:        name,
		Listen:      config.Endpoint{Host: "127.0.0.1", Port: port},
		WorkerClass: "equihash",
		PoolClass:   "equihash",
		Pools: []config.PoolEntry{
			{Host: "127.0.0.1", Port: 13333, AccountName: "poolacct", AccountPassword: "x"},
		},
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNewRejectsUnknownClasses(t *testing.T) {
	cfg := proxyConfig("test", freePort(t))
	cfg.WorkerClass = "cryptonight"
	_, err := New(cfg, nil)
	var cfgErr *config.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	cfg = proxyConfig("test", freePort(t))
	cfg.PoolClass = "cryptonight"
	_, err = New(cfg, nil)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestProxyStartupAndShutdown(t *testing.T) {
	cfg := proxyConfig("test", freePort(t))
	p, err := New(cfg, monitoring.New())
	require.NoError(t, err)

	require.NoError(t, p.Startup())
	defer p.Shutdown()

	// The worker listener is live even though no pool is reachable yet.
	nc, err := net.Dial("tcp", p.Workers().Addr())
	require.NoError(t, err)
	nc.Close()
}

func TestProxyStartupBindConflict(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer ln.Close()

	p, err := New(proxyConfig("test", port), nil)
	require.NoError(t, err)

	err = p.Startup()
	var bindErr *AddressInUseError
	require.ErrorAs(t, err, &bindErr)
	assert.True(t, IsFatalStartupError(err))
	p.Shutdown()
}

func writeAppConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestApplicationRejectsDuplicateProxyNames(t *testing.T) {
	content := fmt.Sprintf(`
proxies:
  - name: same
    worker_class: equihash
    pool_class: equihash
    listen: {host: 127.0.0.1, port: %d}
    pools:
      - {host: 127.0.0.1, port: 13333, account_name: a, account_password: x}
  - name: same
    worker_class: equihash
    pool_class: equihash
    listen: {host: 127.0.0.1, port: %d}
    pools:
      - {host: 127.0.0.1, port: 13334, account_name: a, account_password: x}
`, freePort(t), freePort(t))

	app := NewApplication(writeAppConfig(t, content))
	err := app.Startup()
	defer app.Shutdown()

	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "already exists")
}

func TestApplicationStartsAllProxies(t *testing.T) {
	content := fmt.Sprintf(`
proxies:
  - name: one
    worker_class: equihash
    pool_class: equihash
    listen: {host: 127.0.0.1, port: %d}
    pools:
      - {host: 127.0.0.1, port: 13333, account_name: a, account_password: x}
  - name: two
    worker_class: equihash
    pool_class: equihash
    listen: {host: 127.0.0.1, port: %d}
    pools:
      - {host: 127.0.0.1, port: 13334, account_name: a, account_password: x}
`, freePort(t), freePort(t))

	app := NewApplication(writeAppConfig(t, content))
	require.NoError(t, app.Startup())
	defer app.Shutdown()

	proxies := app.Proxies()
	require.Len(t, proxies, 2)
	for _, p := range proxies {
		nc, err := net.Dial("tcp", p.Workers().Addr())
		require.NoError(t, err)
		nc.Close()
	}
}

func TestApplicationStartupConfigError(t *testing.T) {
	app := NewApplication(writeAppConfig(t, "proxies: [unclosed"))
	err := app.Startup()
	assert.True(t, IsFatalStartupError(err))
}
