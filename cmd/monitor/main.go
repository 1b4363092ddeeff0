// Package main is flashkit's standalone HTTP monitor binary: a
// dashboard-only deployment of internal/monitor's registry + router,
// useful for exercising the /status contract without a live device.
// cmd/cli's --monitor flag embeds the same internal/monitor.Serve
// directly alongside a real flash job instead of running this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"flashkit/internal/eventbus"
	"flashkit/internal/monitor"
)

func main() {
	port := flag.Int("port", 8787, "HTTP monitor listen port")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.New()
	reg := monitor.NewRegistry()
	log.Printf("flashkit monitor listening on :%d", *port)
	if err := monitor.Serve(ctx, bus, reg, fmt.Sprintf(":%d", *port)); err != nil {
		log.Fatalf("monitor server error: %v", err)
	}
	log.Println("monitor stopped")
}
