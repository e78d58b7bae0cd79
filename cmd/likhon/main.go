package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	speech "cloud.google.com/go/speech/apiv1"
	"github.com/spf13/cobra"

	likhon "github.com/likhon-app/likhon"
	"github.com/likhon-app/likhon/config"
	"github.com/likhon-app/likhon/ledger"
	"github.com/likhon-app/likhon/ledger/sqlite"
	"github.com/likhon-app/likhon/providers/deepgram"
	"github.com/likhon-app/likhon/providers/google"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "likhon",
	Short: "Credit-metered live transcription service",
	Long: `likhon is a credit-metered speech-to-text service. Users hold a
prepaid credit balance; live transcription sessions charge one credit per
two-second quantum and stop the moment the balance runs out.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("likhon " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "likhon.toml", "Path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := sqlite.Open(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	providerSet, cleanup, err := buildProviders(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if email := os.Getenv("LIKHON_ADMIN_EMAIL"); email != "" {
		if err := promoteAdmin(cmd.Context(), store, email); err != nil {
			log.Printf("Failed to promote admin %s: %v\n", email, err)
		}
	}

	// The local store is the balance authority unless a remote ledger is
	// configured, in which case each connection builds its own client.
	var ledgerSvc ledger.Service = store

	s := likhon.New(cfg, store, ledgerSvc, providerSet)

	go func() {
		if err := s.Start(); err != nil {
			log.Fatalf("Server failed to start: %v\n", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := s.Stop(); err != nil {
		log.Printf("Error during server shutdown: %v\n", err)
	}
	return nil
}

// promoteAdmin grants the admin role to an existing account.
func promoteAdmin(ctx context.Context, store *sqlite.Store, email string) error {
	u, _, err := store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	return store.SetUserStatus(ctx, u.ID, "admin")
}

// buildProviders constructs the providers named in the config. Provider
// sessions are opened lazily per websocket connection, so constructing a
// provider here only prepares its client.
func buildProviders(ctx context.Context, cfg config.Config) (*likhon.ProviderSet, func(), error) {
	set := likhon.NewProviderSet(cfg.Providers.DefaultLanguage)
	cleanup := func() {}

	if cfg.Providers.DeepgramAPIKey != "" {
		set.Register(deepgram.NewProvider(cfg.Providers.DeepgramAPIKey))
	}

	if cfg.Providers.GoogleEnabled {
		speechClient, err := speech.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create speech client: %w", err)
		}
		cleanup = func() { speechClient.Close() }
		set.Register(google.NewProvider(speechClient))
	}

	if cfg.Providers.DeepgramAPIKey == "" && !cfg.Providers.GoogleEnabled {
		return nil, nil, fmt.Errorf("no transcription providers configured: set DEEPGRAM_API_KEY or enable Google Speech")
	}

	for language, providerName := range cfg.Providers.Languages {
		set.MapLanguage(language, providerName)
	}

	return set, cleanup, nil
}
