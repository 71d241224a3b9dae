// Command personabot runs persona sessions in chat channels and offers
// maintenance commands over the same configuration.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/personabot/internal/config"
	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
	"github.com/zhouzirui/z-tavern/personabot/internal/storage/sqlite"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "personabot",
	Short:         "Summon AI personas into chat channels",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file loaded before reading configuration")
	rootCmd.AddCommand(serveCmd, personasCmd, historyCmd, forgetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the dotenv file, loads configuration and installs the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, logging.Init(cfg.Log), nil
}

// loadPersonas returns the configured persona set, or the built-in one.
func loadPersonas(cfg config.PersonaConfig) ([]persona.Profile, error) {
	if cfg.File == "" {
		return persona.Seed(), nil
	}
	items, err := persona.LoadFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}
	return items, nil
}

func openHistoryDB(cfg config.HistoryConfig) (*sqlite.Store, error) {
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open history database %s: %w", cfg.DBPath, err)
	}
	return db, nil
}
