package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medichat/chat"
	"medichat/config"
	"medichat/models"
	"medichat/outbox"
	"medichat/rest"
	"medichat/storage"
	"medichat/transport"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	log.Printf("configuration: %s", cfgPath)

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		log.Fatalf("resolve data directory: %v", err)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer store.Close()
	log.Printf("storage: %s", dbPath)

	cutoff := time.Now().Add(-storage.DefaultSeenIDRetention).UnixMilli()
	if pruned, err := store.PruneOldSeenIDs(cutoff); err != nil {
		log.Printf("prune seen ids: %v", err)
	} else if pruned > 0 {
		log.Printf("pruned %d stale seen ids", pruned)
	}

	outboxCutoff := time.Now().Add(-storage.DefaultOutboxRetention).UnixMilli()
	if expired, err := store.PruneExpiredOutbox(outboxCutoff); err != nil {
		log.Printf("prune outbox: %v", err)
	} else {
		for _, entry := range expired {
			log.Printf("outbox: dropped expired undelivered message %s (queued %s)",
				entry.QueueID, time.UnixMilli(entry.EnqueuedAt).Format(time.RFC3339))
		}
	}

	tokens := config.NewFileTokenSource(cfg.TokenPath)

	manager, err := transport.NewManager(transport.ManagerOptions{
		URL:    cfg.ServerURL,
		Tokens: tokens,
	})
	if err != nil {
		log.Fatalf("create connection manager: %v", err)
	}

	apiClient, err := rest.NewClient(rest.ClientOptions{
		BaseURL: cfg.APIBaseURL,
		Tokens:  tokens,
	})
	if err != nil {
		log.Fatalf("create API client: %v", err)
	}

	queue, err := outbox.New(outbox.NewSQLiteStorage(store))
	if err != nil {
		log.Fatalf("load outbox: %v", err)
	}
	if pending := queue.Len(); pending > 0 {
		log.Printf("outbox: %d undelivered messages queued for replay", pending)
	}

	dispatcher := transport.NewDispatcher(manager)
	client, err := chat.NewClient(chat.ClientOptions{
		UserID:     cfg.UserID,
		Role:       models.Role(cfg.Role),
		Dispatch:   dispatcher,
		Connection: manager,
		Outbox:     queue,
		Uploader:   apiClient,
		History:    apiClient,
		SeenIDs:    store,
	})
	if err != nil {
		log.Fatalf("create chat client: %v", err)
	}
	defer client.Close()

	go drainErrors("transport", manager.Errors())
	go drainErrors("outbox", queue.Errors())
	go drainErrors("chat", client.Errors())

	manager.AddStateListener(func(event transport.StateEvent) {
		log.Printf("connection: %s", event)
	})

	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultHandshakeTimeout)
	err = manager.Connect(ctx)
	cancel()
	if err != nil {
		if errors.Is(err, transport.ErrAuthenticationRequired) {
			log.Fatalf("no usable credential: place a bearer token at %s and restart", cfg.TokenPath)
		}
		// Startup without a reachable server is fine: composed messages
		// queue in the outbox until an explicit reconnect succeeds.
		log.Printf("connect: %v (messages will queue offline)", err)
	}

	log.Printf("medichat client ready (user %s, role %s)", cfg.UserID, cfg.Role)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	manager.Disconnect()
}

func drainErrors(source string, errs <-chan error) {
	for err := range errs {
		log.Printf("%s: %v", source, err)
	}
}
