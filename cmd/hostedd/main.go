// Package main starts the hosted identity server.
//
// This process owns the challenge, biometric, and D2P status endpoints
// that the client core talks to during a handoff.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	hosteddcmd "github.com/substrate-id/d2p/internal/cmd/hostedd"
)

func main() {
	cfg, err := hosteddcmd.ParseConfig(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[HOSTED] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := hosteddcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
