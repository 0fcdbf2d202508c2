package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/open-beagle/bdwind-relay/internal/config"
	"github.com/open-beagle/bdwind-relay/internal/transform"
)

const AppName = "BDWind-Relay"

// 构建时通过 -ldflags "-X main.Version=..." 注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// checkPortAvailability 检查配置中的端口是否可用
func checkPortAvailability(cfg *config.Config) error {
	addrs := map[string]string{
		cfg.WebServer.Addr(): "WebServer",
	}
	if cfg.Metrics.External.Enabled {
		addrs[net.JoinHostPort(cfg.Metrics.External.Host, strconv.Itoa(cfg.Metrics.External.Port))] = "Metrics"
	}

	for addr, service := range addrs {
		if err := checkPortInUse(addr); err != nil {
			return fmt.Errorf("%s address %s is already in use: %v", service, addr, err)
		}
		log.Printf("  ✅ %s (%s) is available", addr, service)
	}
	return nil
}

// checkPortInUse 检查指定地址是否被占用
func checkPortInUse(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return listener.Close()
}

// loadConfig 按 默认值 < 配置文件 < 环境变量 < 命令行 的顺序合成配置
func loadConfig(configFile string, overrides func(cfg *config.Config)) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		log.Printf("Loading configuration from: %s", configFile)
		cfg, err = config.LoadConfigFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	overrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path (.yaml or .toml)")
		port       = flag.Int("port", 8080, "Web server port")
		host       = flag.String("host", "0.0.0.0", "Web server host")
		staticDir  = flag.String("static", "", "Static files directory (embedded page when empty)")
		transformN = flag.String("transform", transform.EdgesName, "Frame transform ("+strings.Join(transform.DefaultRegistry().Names(), ", ")+")")
		dropPolicy = flag.String("drop-policy", string(config.DropPolicySilent), "Failed frame policy (silent, notify)")
		logLevel   = flag.String("log-level", "", "Log level (TRACE, DEBUG, INFO, WARN, ERROR)")
		logOutput  = flag.String("log-output", "", "Log output (stdout, stderr, file)")
		logFile    = flag.String("log-file", "", "Log file path (when log-output is file)")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s (commit %s, built %s)\n", AppName, Version, GitCommit, BuildTime)
		fmt.Println("Real-time webcam frame relay with edge detection")
		return
	}

	// 只有显式指定的参数覆盖配置
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	overrides := func(cfg *config.Config) {
		if set["port"] {
			cfg.WebServer.Port = *port
		}
		if set["host"] {
			cfg.WebServer.Host = *host
		}
		if set["static"] {
			cfg.WebServer.StaticDir = *staticDir
		}
		if set["transform"] {
			cfg.Relay.Transform = *transformN
		}
		if set["drop-policy"] {
			cfg.Relay.DropPolicy = strings.ToLower(*dropPolicy)
		}
		if *logLevel != "" {
			if level, err := config.ParseLogLevel(*logLevel); err == nil {
				cfg.Logging.Level = level
			} else {
				log.Printf("Invalid log level '%s': %v", *logLevel, err)
			}
		}
		if *logOutput != "" {
			cfg.Logging.Output = *logOutput
		}
		if *logFile != "" {
			cfg.Logging.File = *logFile
			if !set["log-output"] {
				cfg.Logging.Output = "file"
			}
		}
	}

	cfg, err := loadConfig(*configFile, overrides)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := config.SetupLogger(cfg.Logging); err != nil {
		log.Fatalf("Failed to setup logger: %v", err)
	}
	logger := config.GetLoggerWithPrefix("main")

	log.Printf("Checking port availability...")
	if err := checkPortAvailability(cfg); err != nil {
		log.Printf("❌ Port availability check failed: %v", err)
		log.Printf("💡 Use -port or BDWIND_PORT to choose another port")
		os.Exit(1)
	}

	app, err := NewRelayApp(cfg, *configFile, overrides)
	if err != nil {
		logger.Fatalf("Failed to create application: %v", err)
	}

	if err := app.Start(); err != nil {
		logger.Fatalf("Application failed to start: %v", err)
	}

	protocol := "http"
	if cfg.WebServer.EnableTLS {
		protocol = "https"
	}
	fmt.Printf("\n🚀 %s %s started successfully!\n", AppName, Version)
	fmt.Printf("📱 Web Interface: %s://%s\n", protocol, cfg.WebServer.Addr())
	fmt.Printf("🔌 Frame channel: %s\n", cfg.Relay.Path)
	fmt.Printf("🎨 Transform: %s (drop policy: %s)\n", cfg.Relay.Transform, cfg.Relay.GetDropPolicy())
	if cfg.Metrics.External.Enabled {
		fmt.Printf("📊 Metrics: %s\n", cfg.Metrics.GetExternalEndpoint())
	}
	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, initiating graceful shutdown", sig)
	case err, ok := <-app.Errors():
		if ok {
			logger.Errorf("Webserver stopped unexpectedly: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Lifecycle.ShutdownTimeout)
	defer cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- app.Stop(ctx) }()

	select {
	case err := <-stopped:
		if err != nil {
			logger.Errorf("Application shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Info("Application stopped gracefully")
	case <-sigChan:
		logger.Warn("Second signal received, forcing shutdown")
		app.ForceShutdown()
		os.Exit(1)
	case <-time.After(cfg.Lifecycle.ShutdownTimeout + time.Second):
		logger.Warn("Graceful shutdown timed out, forcing shutdown")
		app.ForceShutdown()
		os.Exit(1)
	}
}
