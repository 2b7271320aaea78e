// Command importer loads legacy account documents into the identity store.
// Input is a stream of JSON objects read from --file or stdin; reruns skip
// accounts that already exist.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/internal/config"
	"github.com/linolazarous/app/internal/database"
	"github.com/linolazarous/app/internal/identity"
	"github.com/linolazarous/app/internal/logging"
	"github.com/spf13/pflag"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	var file string
	flags := pflag.NewFlagSet("importer", pflag.ExitOnError)
	flags.StringVarP(&configPath, "config", "c", configPath, "path to the YAML config file")
	flags.StringVarP(&file, "file", "f", "-", "documents to import, - for stdin")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stderr",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger = logger.WithComponent("importer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var in io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			logger.Fatalf("Failed to open %s: %v", file, err)
		}
		defer f.Close()
		in = f
	}

	openStart := time.Now()
	store, err := database.Open(ctx, cfg.Database)
	logger.LogDatabaseOperation("open_"+cfg.Database.Driver, time.Since(openStart), err)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	plans, err := catalog.New(cfg.Plans)
	if err != nil {
		logger.Fatalf("Invalid plan catalog: %v", err)
	}

	accounts, err := identity.NewService(store, plans, identity.Config{
		BcryptCost:      cfg.Auth.BcryptCost,
		VerificationTTL: cfg.Auth.VerificationTTL,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize identity service: %v", err)
	}

	result, err := accounts.ImportDocuments(ctx, in)
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
	}
	if err != nil {
		logger.WithError(err).Error("Import stopped early")
		os.Exit(1)
	}

	logger.Infof("Imported %d accounts, skipped %d, failed %d", result.Imported, result.Skipped, result.Failed)
}
