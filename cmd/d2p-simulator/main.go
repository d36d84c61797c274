// Package main runs an end-to-end desktop-to-phone handoff against a
// hosted server, playing both roles in one process. It exists for local
// development: start hostedd, run the simulator, and type the SMS code
// printed in the hosted log.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	simulatorcmd "github.com/substrate-id/d2p/internal/cmd/simulator"
)

func main() {
	cfg, err := simulatorcmd.ParseConfig(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	cfg.Input = os.Stdin
	cfg.Output = os.Stdout
	log.SetPrefix("[SIM] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := simulatorcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("simulation failed: %v", err)
	}
}
