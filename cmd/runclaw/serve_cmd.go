package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/sipeed/runclaw/pkg/executor"
	"github.com/sipeed/runclaw/pkg/gate"
	"github.com/sipeed/runclaw/pkg/logger"
	"github.com/sipeed/runclaw/pkg/server"
)

func serveCmd() {
	args := os.Args[2:]
	addr := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr", "-a":
			if i+1 < len(args) {
				addr = args[i+1]
				i++
			}
		case "--debug", "-d":
			logger.SetLevel(logger.DEBUG)
			fmt.Println("🔍 Debug mode enabled")
		case "--help", "-h", "help":
			fmt.Printf("Usage: %s serve [--addr host:port]\n", cliName)
			fmt.Println()
			fmt.Println("Starts the WebSocket automation endpoint. Dangerous commands are")
			fmt.Println("refused on this surface; approval needs the interactive CLI.")
			return
		}
	}

	cfg := mustConfig()
	applyConfig(cfg)
	if addr == "" {
		addr = cfg.Serve.Addr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		fmt.Printf("Error: invalid listen address %q: %v\n", addr, err)
		os.Exit(1)
	}

	sink := openAuditSink(cfg)
	defer sink.Close()
	store := openHistoryStore(cfg)
	if store != nil {
		defer store.Close()
	}

	srv := server.New(gate.New(sink), executor.New(cfg.Shell), store, sink, cfg.Timeout())
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	fmt.Printf("%s %s listening on ws://%s/ws\n", logo, displayName, addr)
	fmt.Println("Press Ctrl+C to stop")
	logger.InfoCF("server", "Listening", map[string]interface{}{"addr": addr})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	select {
	case err := <-errCh:
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	case <-sigChan:
	}

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	srv.Close()
	fmt.Println("✓ Server stopped")
}
