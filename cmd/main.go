package main

import (
	"chat-dm/auth"
	"chat-dm/infrastructure/http/server"
	"chat-dm/infrastructure/nats"
	"chat-dm/repositories"
	"chat-dm/runtime"
	"chat-dm/runtime/workers"
	"chat-dm/services"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until a signal arrives.
// Deferred cleanups run before main exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)
	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Stores
	locks := repositories.NewConversationLocks()
	users, err := repositories.NewUserRepository(db, log)
	if err != nil {
		return err
	}
	defer users.Close()
	conversations, err := repositories.NewConversationRepository(db, log, locks, config.FindOrCreateRetries)
	if err != nil {
		return err
	}
	defer conversations.Close()
	messages, err := repositories.NewMessageRepository(db, log, locks)
	if err != nil {
		return err
	}
	defer messages.Close()

	// 4. Fan-out
	registry := runtime.NewRegistry()
	dispatcher := runtime.NewDispatcher(log, registry, conversations, config.SinkTimeout, config.DispatchQueueSize)
	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(dispatcher)
	sup.Add(workers.NewHeartbeatWorker(log, config.NodeID, registry, config.HeartbeatInterval))

	if config.NatsURL != "" {
		conn, err := nats.Connect(config.NatsURL, config.NodeID)
		if err != nil {
			return fmt.Errorf("nats connection failed: %w", err)
		}
		defer conn.Close()
		relay := nats.NewRelay(log, conn, config.NodeID).Bind(dispatcher)
		dispatcher.WithRelay(relay)
		sup.Add(relay)
	} else {
		log.Info("NATS_URL is empty, running as a single node")
	}

	// 5. Edge
	chatService := services.NewChatService(log, users, conversations, messages, dispatcher)
	tokens := auth.NewTokens(config.JWTSecret, config.AuthTokenDuration)
	httpServer := server.NewServer(log, server.Config{
		Host: config.Host,
		Port: config.Port,
		Connection: server.ConnectionConfig{
			BufferSize:   config.ConnectionBufferSize,
			WriteTimeout: config.WriteTimeout,
			PongTimeout:  config.PongTimeout,
		},
	}, chatService, tokens)
	sup.Add(httpServer)

	// 6. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting chat node", "node_id", config.NodeID)
	sup.Run(ctx)
	log.Info("Program stopped cleanly")
	return nil
}
