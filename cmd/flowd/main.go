// Command flowd runs the workflow automation runtime: webhook ingress,
// schedule firing, trigger admission and the flow execution engine behind a
// single HTTP server.
//
// Configuration comes from an optional YAML file plus flags. Multiple
// replicas sharing the same Redis and Mongo backends form a cluster: the
// result cache and the scheduled job mirror are shared, and exactly one
// replica fires due schedules per tick.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"goa.design/clue/log"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *addrF != "" {
		cfg.HTTPAddr = *addrF
	}
	cfg.Debug = cfg.Debug || *dbgF
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTPAddr})

	svcs, err := newServices(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if err := svcs.Start(ctx); err != nil {
		log.Fatal(ctx, err)
	}

	// Channel used by both the signal handler and server goroutines to
	// notify the main goroutine when to stop.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	handleHTTPServer(ctx, cfg.HTTPAddr, svcs, &wg, errc, cfg.Debug)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	svcs.Close(context.Background())
	log.Printf(ctx, "exited")
}
