// Package main is the syncd process entry point: load configuration, start
// the node, and run until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/syncmesh/syncd/pkg/config"
	"github.com/syncmesh/syncd/pkg/node"
)

var version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("syncd v%s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("syncd: config: %v", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		log.Fatalf("syncd: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		log.Fatalf("syncd: start: %v", err)
	}

	fmt.Printf("syncd v%s\n", version)
	fmt.Printf("  node id:   %s\n", cfg.NodeID)
	fmt.Printf("  bind addr: %s\n", cfg.BindAddr)
	fmt.Printf("  peers:     %d\n", len(cfg.Peers))
	fmt.Println()

	<-ctx.Done()
	log.Printf("[syncd %s] shutting down", cfg.NodeID)
	if err := n.Shutdown(); err != nil {
		log.Printf("[syncd %s] shutdown error: %v", cfg.NodeID, err)
	}
}
