package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/turngate/internal/archive"
	"github.com/chadiek/turngate/internal/config"
	"github.com/chadiek/turngate/internal/httpserver"
	"github.com/chadiek/turngate/internal/lexicon"
	"github.com/chadiek/turngate/internal/rtc"
	"github.com/chadiek/turngate/internal/telephony"
	"github.com/chadiek/turngate/internal/turn"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	lex, err := loadLexicon(cfg.LexiconPath)
	if err != nil {
		log.Fatalf("lexicon load failed: %v", err)
	}
	if lex.Len() == 0 {
		log.Println("Warning: lexicon is empty - every utterance will interrupt the agent")
	}
	store := lexicon.NewStore(lex)
	engine := turn.NewEngine(turn.NewClassifier(store))

	var artifacts archive.Storage = archive.Nop{}
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceRoleKey != "" {
		sb, err := archive.NewSupabase(archive.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Fatalf("supabase init failed: %v", err)
		}
		artifacts = sb
	}

	offers := rtc.NewHandler(rtc.Config{
		AssemblyAIKey: cfg.AssemblyAIKey,
		CerebrasKey:   cfg.CerebrasKey,
		CerebrasModel: cfg.CerebrasModelID,
		DeepgramKey:   cfg.DeepgramKey,
		DeepgramModel: cfg.DeepgramModelID,
	}, engine, artifacts)

	srv := httpserver.New(httpserver.Config{
		Offers:    offers,
		Lexicon:   store,
		AuthToken: cfg.AuthToken,
	})

	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		phones := telephony.New(telephony.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
		}, artifacts)
		phones.RegisterRoutes(srv.Echo())
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}

func loadLexicon(path string) (*lexicon.Lexicon, error) {
	if path != "" {
		log.Printf("loading lexicon from %s", path)
		return lexicon.LoadFile(path)
	}
	return lexicon.Load()
}
