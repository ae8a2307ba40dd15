// Command kadnode runs a standalone Kademlia node and an interactive demo
// CLI over it, the spec.md §6 verb set implemented against
// original_source/src/tests/demo/commands.cc's semantics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kadcore/kad/kademlia"
)

const defaultJoinTimeout = 30 * time.Second

func main() {
	var (
		configPath     = flag.String("config", "", "path to a node config yaml file (defaults applied if omitted)")
		bootstrapHints = flag.String("bootstrap", "", "path to a bootstrap hint file (overrides the config's bootstrap_hint_file)")
		listenIP       = flag.String("listen-ip", "", "override listen ip")
		listenPort     = flag.Uint("listen-port", 0, "override listen port")
		client         = flag.Bool("client", false, "run in client mode (never stores or serves peer RPCs)")
		verbose        = flag.Bool("v", false, "verbose (debug) logging")
	)
	flag.Parse()

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := kademlia.DefaultNodeConfig()
	if *configPath != "" {
		cfg, err = kademlia.LoadNodeConfig(*configPath)
		if err != nil {
			log.Fatal("loading config", zap.Error(err))
		}
	}
	if *listenIP != "" {
		cfg.ListenIP = *listenIP
	}
	if *listenPort != 0 {
		cfg.ListenPort = uint16(*listenPort)
	}
	if *client {
		cfg.Client = true
	}
	if *bootstrapHints != "" {
		cfg.BootstrapHintFile = *bootstrapHints
	}

	var bootstrap []kademlia.Contact
	if cfg.BootstrapHintFile != "" {
		bootstrap, err = kademlia.LoadBootstrapHints(cfg.BootstrapHintFile)
		if err != nil {
			log.Warn("no usable bootstrap hints, starting as first node", zap.Error(err))
		}
	}

	node, err := kademlia.NewNode(cfg, nil, log)
	if err != nil {
		log.Fatal("constructing node", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	joinCtx, joinCancel := context.WithTimeout(ctx, defaultJoinTimeout)
	defer joinCancel()
	if err := node.Join(joinCtx, bootstrap); err != nil {
		log.Fatal("join failed", zap.Error(err))
	}
	log.Info("joined network",
		zap.String("id", node.Self().ID.String()),
		zap.String("addr", node.Self().Host.String()),
		zap.String("nat", node.NatType().String()),
	)

	cmds := NewCommands(node, os.Stdin, os.Stdout, cancel)
	go func() {
		if err := cmds.Run(); err != nil {
			log.Warn("command loop exited", zap.Error(err))
		}
		cancel()
	}()

	<-ctx.Done()
	if err := node.Leave(); err != nil {
		log.Warn("leave failed", zap.Error(err))
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
