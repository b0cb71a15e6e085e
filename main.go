package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomcast/internal/api"
	"roomcast/internal/auth"
	"roomcast/internal/broker"
	"roomcast/internal/chat"
	"roomcast/internal/commands"
	"roomcast/internal/config"
	"roomcast/internal/directory"
	"roomcast/internal/http"
	"roomcast/internal/notify"
	"roomcast/internal/presence"
	"roomcast/internal/registry"
	"roomcast/internal/storage"
	"roomcast/internal/typing"
	"roomcast/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("roomcast", flag.ContinueOnError)
	issueToken := flags.String("issue-token", "", "User ID to issue a session token for (calls the admin API of a running server)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*issueToken != "")
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return commands.IssueToken(*issueToken, cfg)
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	var (
		resolver directory.Resolver
		profiles api.ProfileRegistry
	)
	if cfg.DirectoryURL != "" {
		resolver = directory.NewCached(ctx, directory.NewHTTPResolver(cfg.DirectoryURL, nil), cfg.DirectoryCacheTTL)
	} else {
		static := directory.NewStatic()
		resolver, profiles = static, static
	}

	g, gCtx := errgroup.WithContext(ctx)

	var notifier chat.Notifier = notify.Noop{}
	if cfg.PushEnabled() {
		notifier = notify.NewWebPush(gCtx, bbStorage, notify.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
		})
	}

	roomBroker := broker.New()
	connRegistry := registry.New(authService, roomBroker, cfg.HeartbeatTimeout())
	chatService := chat.New(chat.Config{
		Store:        bbStorage,
		Publisher:    roomBroker,
		Rooms:        connRegistry,
		Notifier:     notifier,
		Users:        resolver,
		HistoryLimit: cfg.HistoryLimit,
		Retries:      cfg.AppendRetries,
	})
	presenceTracker := presence.NewTracker(connRegistry, chatService, presence.PolicyByName(cfg.PresencePolicy))
	connRegistry.SetListener(presenceTracker)

	hub := ws.NewHub(ws.HubConfig{
		Registry: connRegistry,
		Chat:     chatService,
		Typing:   typing.NewChannel(connRegistry, roomBroker, cfg.TypingTTL),
		Presence: presenceTracker,
	})
	wsServer := ws.NewServer(gCtx, hub, cfg.OutboundQueue, ws.Heartbeat{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout(),
	})

	apiServer := http.NewAPIServer(api.New(api.Config{
		Auth:      authService,
		Chat:      chatService,
		Directory: resolver,
		Presence:  presenceTracker,
		Push:      bbStorage,
	}), wsServer, cfg.APIAddr)
	adminServer := http.NewAdminServer(api.NewAdminHandler(authService, profiles, connRegistry), cfg.AdminAddr)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Heartbeat reaper
	g.Go(func() error {
		return connRegistry.Run(gCtx, cfg.HeartbeatInterval)
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		if wp, ok := notifier.(*notify.WebPush); ok {
			wp.Wait()
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
