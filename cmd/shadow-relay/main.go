package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"

	"shadow-relay/internal/application"
	"shadow-relay/internal/config"
	"shadow-relay/internal/encrypt"
	"shadow-relay/internal/infrastructure/epoll"
	"shadow-relay/pkg/logger"
)

func main() {
	var (
		hosts    = flag.StringArrayP("server", "s", nil, "bind address (repeatable)")
		port     = flag.IntP("port", "p", 0, "bind port")
		password = flag.StringP("password", "k", "", "shared password")
		method   = flag.StringP("method", "m", "", "cipher method: table, rc4, chacha20")
		timeout  = flag.IntP("timeout", "t", 0, "upstream connect timeout in seconds")
		confPath = flag.StringP("config", "c", "", "JSON config file")
		pidFile  = flag.StringP("pid-file", "f", "", "write the process id to this file")
		verbose  = flag.BoolP("verbose", "v", false, "enable debug logging")
	)
	flag.Parse()

	cfg := &config.Config{
		Hosts:    *hosts,
		Port:     *port,
		Password: *password,
		Method:   *method,
		Timeout:  *timeout,
		PidFile:  *pidFile,
		Verbose:  *verbose,
	}

	log := logger.Setup(cfg.Verbose)

	if *confPath != "" {
		if err := cfg.LoadFile(*confPath); err != nil {
			log.Error("Failed to load config file", "path", *confPath, "error", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", "error", err)
		flag.Usage()
		os.Exit(1)
	}

	if cfg.PidFile != "" {
		pid := strconv.Itoa(os.Getpid()) + "\n"
		if err := os.WriteFile(cfg.PidFile, []byte(pid), 0o644); err != nil {
			log.Error("Failed to write pid file", "path", cfg.PidFile, "error", err)
			os.Exit(1)
		}
	}

	// Writes to a closed peer must return an error, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	log.Info("Deriving cipher configuration", "method", cfg.Method)
	ciph, err := encrypt.NewConfig(cfg.Password, cfg.Method)
	if err != nil {
		log.Error("Cipher setup failed", "error", err)
		os.Exit(1)
	}

	eventLoop, err := epoll.New()
	if err != nil {
		log.Error("Failed to create event loop", "error", err)
		os.Exit(1)
	}

	relay, err := application.NewRelayService(eventLoop, log, ciph, cfg)
	if err != nil {
		log.Error("Failed to create relay service", "error", err)
		os.Exit(1)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("Shutting down")
		if cfg.PidFile != "" {
			os.Remove(cfg.PidFile)
		}
		os.Exit(0)
	}()

	log.Info("Relay listening", "hosts", cfg.Hosts, "port", cfg.Port, "timeout", cfg.Timeout)

	if err := relay.Start(); err != nil {
		log.Error("Relay stopped unexpectedly", "error", err)
		os.Exit(1)
	}
}
