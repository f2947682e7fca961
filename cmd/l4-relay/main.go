package main

import (
	"flag"
	"os"

	"l4-relay/internal/application"
	"l4-relay/internal/infrastructure/epoll"
	"l4-relay/pkg/logger"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	upstream := flag.String("upstream", "", "Upstream address (host:port)")
	dnsServer := flag.String("dns", "8.8.8.8:53", "DNS server for upstream resolution")
	acceptProxy := flag.Bool("accept-proxy", false, "Expect a PROXY protocol header from clients")
	sendProxy := flag.Bool("send-proxy", false, "Send a PROXY protocol header to the upstream")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	log := logger.Setup(*debug)
	log.Info("Initializing L4 relay...")

	if *upstream == "" {
		log.Error("An upstream address is required (-upstream host:port)")
		os.Exit(1)
	}

	eventLoop, err := epoll.New()
	if err != nil {
		log.Error("Failed to create event loop", "error", err)
		os.Exit(1)
	}

	relay, err := application.NewRelayService(eventLoop, log, application.Config{
		Port:        *port,
		Upstream:    *upstream,
		DNSServer:   *dnsServer,
		AcceptProxy: *acceptProxy,
		SendProxy:   *sendProxy,
	})
	if err != nil {
		log.Error("Failed to create relay service", "error", err)
		os.Exit(1)
	}

	log.Info("Relay listening", "port", *port, "upstream", *upstream)

	if err := relay.Start(); err != nil {
		log.Error("Relay stopped unexpectedly", "error", err)
	}
}
