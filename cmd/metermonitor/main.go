// Command metermonitor runs the meter-monitoring daemon: it loads the
// configured meters, starts one monitor per enabled meter, and serves
// the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/loggo"
	"github.com/rogpeppe/rjson"
	errgo "gopkg.in/errgo.v1"

	"github.com/meterwatch/metermon/cameraclient"
	"github.com/meterwatch/metermon/consumption"
	"github.com/meterwatch/metermon/httpservice"
	"github.com/meterwatch/metermon/meterconfig"
	"github.com/meterwatch/metermon/metermonitor"
	"github.com/meterwatch/metermon/orchestrator"
	"github.com/meterwatch/metermon/readingclock"
	"github.com/meterwatch/metermon/snapshotarchive"
	"github.com/meterwatch/metermon/timeseries"
	"github.com/meterwatch/metermon/visionprovider"
)

var logger = loggo.GetLogger("metermon.cmd.metermonitor")

// daemonConfig is the top-level, hand-edited configuration file for
// the daemon itself, distinct from the hot-reloadable meter
// definitions it points at.
type daemonConfig struct {
	ListenAddr      string
	StateDir        string
	MetersPath      string
	PricingPath     string
	GraceDeadlineMS int

	GeminiAPIKeyEnv string
	ClaudeAPIKeyEnv string

	// NTPHost, if set, makes reading timestamps and cycle scheduling
	// rely on an NTP-synchronized clock rather than the system clock.
	NTPHost string
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: metermonitor <configfile>\n")
		os.Exit(2)
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}
	configureLogLevel(os.Getenv("LOG_LEVEL"))
	cfg, err := readConfig(flag.Arg(0))
	if err != nil {
		log.Print(err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		log.Print(err)
		os.Exit(exitCodeFor(err))
	}
}

// configureLogLevel applies LOG_LEVEL to the metermon logger tree,
// falling back to INFO when unset or unparseable.
func configureLogLevel(lvl string) {
	if lvl == "" {
		lvl = "INFO"
	}
	if err := loggo.ConfigureLoggers("metermon=" + lvl); err != nil {
		log.Printf("cannot configure log level %q, falling back to INFO: %v", lvl, err)
		loggo.ConfigureLoggers("metermon=INFO")
	}
}

// exitCodeFor maps a startup failure to the process exit codes spec'd
// for this daemon: 2 for a configuration problem, 3 for a storage
// layer that could not be opened, 1 for anything else (e.g. the HTTP
// server itself failing after startup).
func exitCodeFor(err error) int {
	switch err.(type) {
	case *configOpenError:
		return 2
	case *storageOpenError:
		return 3
	}
	return 1
}

// configOpenError wraps a failure to load the meter/pricing
// configuration at startup.
type configOpenError struct {
	err error
}

func (e *configOpenError) Error() string { return e.err.Error() }
func (e *configOpenError) Unwrap() error { return e.err }

// storageOpenError wraps a failure to open the snapshot archive or
// time-series store at startup, distinct from a configuration error.
type storageOpenError struct {
	err error
}

func (e *storageOpenError) Error() string { return e.err.Error() }
func (e *storageOpenError) Unwrap() error { return e.err }

func readConfig(f string) (*daemonConfig, error) {
	data, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, errgo.Mask(err)
	}
	var cfg daemonConfig
	if err := rjson.Unmarshal(data, &cfg); err != nil {
		return nil, errgo.Notef(err, "cannot parse configuration file at %q", f)
	}
	if cfg.ListenAddr == "" {
		return nil, errgo.New("no listen address set")
	}
	if cfg.MetersPath == "" {
		return nil, errgo.New("no meters path set")
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "."
	}
	if cfg.GraceDeadlineMS == 0 {
		cfg.GraceDeadlineMS = 30000
	}
	return &cfg, nil
}

func run(cfg *daemonConfig) error {
	configStore, err := meterconfig.Open(cfg.MetersPath, cfg.PricingPath)
	if err != nil {
		return &configOpenError{errgo.Notef(err, "cannot load meter configuration")}
	}
	defer configStore.Close()

	archive, err := snapshotarchive.Open(filepath.Join(cfg.StateDir, "snapshots"), snapshotarchive.Retention{
		MaxAge:   90 * 24 * time.Hour,
		MaxCount: 10000,
	})
	if err != nil {
		return &storageOpenError{errgo.Notef(err, "cannot open snapshot archive")}
	}

	tsStore, err := timeseries.Open(
		filepath.Join(cfg.StateDir, "timeseries.db"),
		filepath.Join(cfg.StateDir, "logs"),
	)
	if err != nil {
		return &storageOpenError{errgo.Notef(err, "cannot open time-series store")}
	}
	defer tsStore.Close()

	shutdownSignal, stopSignal := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignal()
	go tsStore.RetryLoop(shutdownSignal, timeseries.DefaultRetryInterval)

	camera := cameraclient.New()
	registry := visionRegistry(cfg)

	var clock metermonitor.Clock
	if cfg.NTPHost != "" {
		ntpClock, err := readingclock.New(readingclock.Params{Host: cfg.NTPHost})
		if err != nil {
			return errgo.Notef(err, "cannot start NTP clock")
		}
		defer ntpClock.Close()
		clock = ntpClock
	}

	orch := orchestrator.New(func(m meterconfig.Meter) *metermonitor.Monitor {
		return metermonitor.New(m, metermonitor.Deps{
			Camera:     camera,
			Vision:     registry,
			Archive:    archive,
			TimeSeries: tsStore,
			Clock:      clock,
		})
	})
	orch.Start(configStore.Current())
	defer orch.Stop(time.Duration(cfg.GraceDeadlineMS) * time.Millisecond)

	go watchConfigReloads(configStore, orch)

	svc := httpservice.New(httpservice.Params{
		Config:       configStore,
		TimeSeries:   tsStore,
		Snapshots:    archive,
		Consumption:  consumption.New(tsStore),
		Orchestrator: orch,
		StreamProxy:  camera.OpenStream,
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: svc}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on http://%s", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-shutdownSignal.Done():
		logger.Infof("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.GraceDeadlineMS)*time.Millisecond)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errgo.Notef(err, "HTTP server failed")
		}
		return nil
	}
}

func visionRegistry(cfg *daemonConfig) *visionprovider.Registry {
	providers := make(map[string]visionprovider.Provider)
	if key := os.Getenv(envOr(cfg.GeminiAPIKeyEnv, "GEMINI_API_KEY")); key != "" {
		providers["gemini"] = visionprovider.NewGemini(key)
	}
	if key := os.Getenv(envOr(cfg.ClaudeAPIKeyEnv, "CLAUDE_API_KEY")); key != "" {
		providers["claude"] = visionprovider.NewClaude(key)
	}
	return visionprovider.NewRegistry(providers)
}

func envOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func watchConfigReloads(store *meterconfig.Store, orch *orchestrator.Orchestrator) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	for range sigCh {
		logger.Infof("SIGHUP received, reloading configuration")
		if err := store.Reload(); err != nil {
			logger.Errorf("config reload failed: %v", err)
			continue
		}
		orch.ReloadConfig(store.Current())
	}
}
