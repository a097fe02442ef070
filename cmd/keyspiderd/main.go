// keyspiderd discovers and monitors the SSH trust graph across a fleet
// of Linux/AIX servers from a jump host: it crawls authorized_keys and
// auth logs over SSH, tails logs live, receives agent-pushed
// observations, and serves the resulting graph over HTTP.
//
// Usage:
//
//	keyspiderd --config /etc/keyspider/keyspiderd.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jsherman999/keyspider/internal/config"
	"github.com/jsherman999/keyspider/internal/keyspiderd"
)

var (
	flagConfig  = flag.String("config", "/etc/keyspider/keyspiderd.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("keyspiderd %s", keyspiderd.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("shutdown signal: %v", sig)
		cancel()
	}()

	d, err := keyspiderd.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize keyspiderd: %v", err)
	}
	if err := d.Run(ctx); err != nil {
		log.Fatalf("keyspiderd failed: %v", err)
	}
}
