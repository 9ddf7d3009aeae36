// stratum-proxy multiplexes many miner connections onto shared pool
// sessions, giving each worker a distinct slice of the pool's nonce space.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/chimera-pool/stratum-proxy/internal/config"
	"github.com/chimera-pool/stratum-proxy/internal/proxy"
	"github.com/chimera-pool/stratum-proxy/internal/version"
)

func main() {
	var (
		configFile     string
		generateConfig bool
		quiet          bool
		loud           bool
		showVersion    bool
	)

	flag.StringVar(&configFile, "config", "", "path to configuration file")
	flag.StringVar(&configFile, "c", "", "path to configuration file (shorthand)")
	flag.BoolVar(&generateConfig, "generate-config", false, "output a starting config file template")
	flag.BoolVar(&generateConfig, "g", false, "output a starting config file template (shorthand)")
	flag.BoolVar(&quiet, "quiet", false, "minimum output verbosity (>=WARNING)")
	flag.BoolVar(&quiet, "q", false, "minimum output verbosity (shorthand)")
	flag.BoolVar(&loud, "loud", false, "maximum output verbosity (>=DEBUG)")
	flag.BoolVar(&loud, "l", false, "maximum output verbosity (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&showVersion, "v", false, "print version and exit (shorthand)")
	flag.Parse()

	if showVersion {
		fmt.Println(version.AppVersion)
		return
	}
	if generateConfig {
		fmt.Print(config.Template)
		return
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	switch {
	case loud:
		log.SetLevel(log.DebugLevel)
		log.SetReportCaller(true)
		log.Info("* Verbose mode enabled")
	case quiet:
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if configFile == "" {
		log.Error("a configuration file is required (see --config / --generate-config)")
		os.Exit(1)
	}

	app := proxy.NewApplication(configFile)
	if err := app.Startup(); err != nil {
		app.Shutdown()
		log.Error(err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("* shutting down")
	app.Shutdown()
}
