package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"jkble/config"
	"jkble/jkbms"
	"jkble/logging"
	"jkble/protocol"
	"jkble/server"
	"jkble/store"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	command := flag.String("command", "getCellData", "command to send in one-shot mode")
	serve := flag.Bool("serve", false, "run the HTTP server instead of a single query")
	flag.Parse()

	if err := run(*configPath, *command, *serve); err != nil {
		log.Error().Err(err).Msg("jkble failed")
		os.Exit(1)
	}
}

func run(configPath, command string, serve bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Init("jkble", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("initiating shutdown")
		cancel()
	}()

	bms := jkbms.NewIO(cfg.Address, jkbms.NewBlueZDialer(cfg.Adapter), jkbms.Options{
		MaxAttempts:   cfg.MaxAttempts,
		WaitTimeout:   cfg.WaitTimeout,
		RecordsToGrab: cfg.RecordsToGrab,
		Logger:        logger,
	})
	proto := protocol.NewJK02()

	if !serve {
		resp, err := bms.SendAndReceive(ctx, command, proto)
		if err != nil {
			return err
		}
		logger.Info().Str("command", command).Int("len", len(resp)).Bool("complete", len(resp) == jkbms.RecordSize).Msg("response")
		fmt.Println(hex.EncodeToString(resp))
		return nil
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	return server.New(cfg.Server.Addr, bms, proto, db, logger).Run(ctx)
}
