package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/turms-labs/turms-go/pkg/config"
	"github.com/turms-labs/turms-go/pkg/httpapi"
	"github.com/turms-labs/turms-go/pkg/turms"
)

var (
	configPath = flag.String("config", "./turms.yaml", "Path to the YAML configuration file")
	vanity     = flag.String("vanity", "", "Discovery relay vanity identifier (omit to stay offline)")
	password   = flag.String("password", "", "Discovery relay password, paired with -vanity")
	httpPort   = flag.Int("http-port", 8088, "Local control-plane HTTP port")
)

func main() {
	flag.Parse()

	printBanner()

	cfg, err := config.FromFile(*configPath)
	if err != nil {
		log.Fatalf("loading config from %s: %v", *configPath, err)
	}

	facade, events, err := turms.FromConfig(cfg)
	if err != nil {
		log.Fatalf("initializing facade: %v", err)
	}

	if cfg.Offline() {
		log.Println("no turms_url in config: running offline, peer descriptions must be exchanged out of band")
	} else if *vanity != "" {
		var pw *string
		if *password != "" {
			pw = password
		}
		if err := facade.ConnectDiscovery(*vanity, pw); err != nil {
			log.Fatalf("connecting to discovery relay: %v", err)
		}
		log.Printf("connected to discovery relay as %q", *vanity)
	}

	go logEvents(events)

	apiCfg := httpapi.DefaultConfig()
	apiCfg.Port = *httpPort
	server := httpapi.NewServer(facade, apiCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("control-plane API listening on :%d", *httpPort)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("http server: %v", err)
	}

	log.Println("shutting down")
	if err := facade.Close(); err != nil {
		log.Printf("closing facade: %v", err)
	}
}

func logEvents(events <-chan turms.EventEnvelope) {
	for env := range events {
		log.Printf("[%s] event delivered: %#v", env.PeerID, env.Event)
	}
}

func printBanner() {
	fmt.Println("┌─────────────────────────────────────────┐")
	fmt.Println("│             turmsd node agent            │")
	fmt.Println("│  end-to-end encrypted P2P data channels  │")
	fmt.Println("└─────────────────────────────────────────┘")
	fmt.Println()
}
