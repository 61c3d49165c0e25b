// Command meesd is the mees broker binary: bind MEES_ADDR (optionally
// overriding an addr from a YAML config file given as the first
// argument) and serve until a termination signal arrives.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mees/broker/broker"
	"github.com/mees/broker/internal/config"
	"github.com/mees/broker/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meesd:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	log := logging.New(os.Stderr, level)

	b := broker.New(cfg, log)
	if err := b.Listen(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("meesd: shutting down")
		b.Shutdown()
	}()

	return b.Serve()
}
