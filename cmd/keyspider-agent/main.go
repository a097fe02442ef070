// keyspider-agent is the optional on-host counterpart to keyspiderd's
// SSH crawl: it scans local authorized_keys/identity/host-key files
// and tails local auth logs, reporting both to keyspiderd over HTTPS
// instead of waiting for the jump host to reach the server by SSH.
//
// Usage:
//
//	keyspider-agent --config /etc/keyspider/keyspider-agent.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jsherman999/keyspider/internal/agent"
)

var (
	flagConfig  = flag.String("config", "/etc/keyspider/keyspider-agent.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	flagDryRun  = flag.Bool("dry-run", false, "Scan and tail once, send the results to keyspiderd, and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("keyspider-agent %s", agent.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := agent.Load(*flagConfig)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	a := agent.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *flagDryRun {
		a.RunOnce(ctx)
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("shutdown signal: %v", sig)
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("keyspider-agent failed: %v", err)
	}
}
