// Command http-logger runs the intercepting proxy: it generates a root CA,
// listens for proxy connections, optionally registers itself as the system
// proxy, and logs every relayed request.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/http-logger/proxy"
	"github.com/http-logger/proxy/internal/certauthority"
	"github.com/http-logger/proxy/internal/resolver"
	"github.com/http-logger/proxy/internal/sysproxy"
)

type config struct {
	Listen          string        `yaml:"listen"`
	TransparentTLS  string        `yaml:"transparent_tls_listen"`
	MetricsListen   string        `yaml:"metrics_listen"`
	DNSServer       string        `yaml:"dns_server"`
	Workers         int           `yaml:"workers"`
	QueueDepth      int           `yaml:"queue_depth"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	CertTTL         time.Duration `yaml:"cert_ttl"`
	CACertOut       string        `yaml:"ca_cert_out"`
	SetSystemProxy  bool          `yaml:"set_system_proxy"`
	Verbose         bool          `yaml:"verbose"`
}

func defaultConfig() config {
	opt := proxy.DefaultOptions()
	return config{
		Listen:          opt.Addr,
		Workers:         opt.Workers,
		QueueDepth:      opt.QueueDepth,
		ShutdownGrace:   opt.ShutdownGrace,
		UpstreamTimeout: opt.UpstreamTimeout,
		CertTTL:         time.Hour,
	}
}

func loadConfig() (config, error) {
	cfg := defaultConfig()

	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", cfg.Listen, "proxy listen address")
	metricsListen := flag.String("metrics", "", "Prometheus metrics listen address (disabled when empty)")
	transparent := flag.String("transparent", "", "transparent TLS listen address (disabled when empty)")
	dnsServer := flag.String("dns", "", "DNS server for upstream resolution (system resolver when empty)")
	caCertOut := flag.String("ca-cert-out", "", "write the root CA certificate PEM to this file")
	setSystemProxy := flag.Bool("set-system-proxy", false, "register as the OS proxy while running")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", *configPath, err)
		}
	}

	// Flags win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "metrics":
			cfg.MetricsListen = *metricsListen
		case "transparent":
			cfg.TransparentTLS = *transparent
		case "dns":
			cfg.DNSServer = *dnsServer
		case "ca-cert-out":
			cfg.CACertOut = *caCertOut
		case "set-system-proxy":
			cfg.SetSystemProxy = *setSystemProxy
		case "verbose":
			cfg.Verbose = *verbose
		}
	})
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logCfg := zap.NewProductionConfig()
	if cfg.Verbose {
		logCfg = zap.NewDevelopmentConfig()
	}
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func run(cfg config, logger *zap.Logger) error {
	fmt.Printf("http-logger intercepting proxy, listening on %s\n", cfg.Listen)

	authority, err := certauthority.New()
	if err != nil {
		return fmt.Errorf("generating root authority: %w", err)
	}
	if cfg.CACertOut != "" {
		if err := os.WriteFile(cfg.CACertOut, authority.CertPEM(), 0o644); err != nil {
			return fmt.Errorf("writing CA certificate: %w", err)
		}
		logger.Info("root CA certificate written", zap.String("path", cfg.CACertOut))
	}

	opt := proxy.DefaultOptions()
	opt.Addr = cfg.Listen
	opt.Workers = cfg.Workers
	opt.QueueDepth = cfg.QueueDepth
	opt.ShutdownGrace = cfg.ShutdownGrace
	opt.UpstreamTimeout = cfg.UpstreamTimeout
	opt.Issuer = certauthority.NewCachingIssuer(authority, cfg.CertTTL)
	opt.Sink = &proxy.LogSink{Logger: logger.Named("trace")}
	opt.Logger = logger

	if cfg.DNSServer != "" {
		opt.DialContext = resolver.New(cfg.DNSServer).DialContext(opt.UpstreamTimeout)
	}

	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		opt.Metrics = proxy.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	srv, err := proxy.NewServer(opt)
	if err != nil {
		return err
	}

	// Best effort: a failure here only means clients must be configured
	// by hand.
	if cfg.SetSystemProxy {
		host, portStr, err := net.SplitHostPort(cfg.Listen)
		if err == nil {
			port, _ := strconv.Atoi(portStr)
			configurator := sysproxy.New()
			if err := configurator.SetProxy(true, host, port); err != nil {
				logger.Warn("cannot register system proxy", zap.Error(err))
			} else {
				defer func() {
					if err := configurator.SetProxy(false, "", 0); err != nil {
						logger.Warn("cannot clear system proxy", zap.Error(err))
					}
				}()
			}
		} else {
			logger.Warn("cannot parse listen address for system proxy", zap.Error(err))
		}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()
	if cfg.TransparentTLS != "" {
		go func() { errCh <- srv.ListenAndServeTransparent(cfg.TransparentTLS) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.Shutdown(context.Background())
	}
}
