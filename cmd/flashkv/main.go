package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"flashkv/internal/config"
	"flashkv/internal/console"
	"flashkv/internal/flash"
	"flashkv/internal/flash/filedev"
	"flashkv/internal/identity"
	"flashkv/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	imagePath := flag.String("image", "", "flash image path (overrides config)")
	listenAddr := flag.String("listen", "", "console listen address (overrides config)")
	wipe := flag.Bool("wipe", false, "wipe the store and exit")
	flag.Parse()

	// Load config (TOML file with defaults)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// CLI flags override config file values
	if *imagePath != "" {
		cfg.Store.Image = *imagePath
	}
	if *listenAddr != "" {
		cfg.Console.Listen = *listenAddr
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	cfg.Store.Image = config.ExpandHome(cfg.Store.Image)
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Image), 0700); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}

	dev, err := filedev.Open(cfg.Store.Image, cfg.Store.SwapSize)
	if err != nil {
		log.Fatalf("flash image: %v", err)
	}
	defer dev.Close()

	st := flash.New(dev)
	if err := st.Init(); err != nil {
		log.Fatalf("store: %v", err)
	}

	if *wipe {
		if err := st.Wipe(); err != nil {
			log.Fatalf("wipe: %v", err)
		}
		log.Printf("Store wiped: %s", cfg.Store.Image)
		return
	}

	id, err := identity.Load(st)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	log.Printf("Instance ID: %s", id)
	log.Printf("Flash image: %s (%d KiB per region)", cfg.Store.Image, cfg.Store.SwapSize/1024)

	hostKey, err := console.LoadHostKey(config.ExpandHome(cfg.Console.HostKey))
	if err != nil {
		log.Fatalf("host key: %v", err)
	}

	srv := console.NewServer(hostKey, config.ExpandHome(cfg.Console.AuthorizedKeys), st, storeCommands(st))

	ln, err := net.Listen("tcp", cfg.Console.Listen)
	if err != nil {
		log.Fatalf("console: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			log.Fatalf("console: %v", err)
		}
	}()

	log.Printf("Console listening on %s", ln.Addr())

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
}
