package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/personabot/internal/service/history"
)

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List the configured personas",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		items, err := loadPersonas(cfg.Persona)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tNAME RECOGNITION\tBOTS\tDELAY")
		for _, p := range items {
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%dms\n", p.ID, p.DisplayName, p.NameRecognition, p.RespondToOtherBots, p.ReplyDelayMs)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [channel persona]",
	Short: "List stored conversations, or print one",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("expected no arguments or <channel> <persona>, got %d", len(args))
		}
		return nil
	},
	RunE: runHistory,
}

var forgetCmd = &cobra.Command{
	Use:   "forget <channel> <persona>",
	Short: "Delete the stored conversation of a persona in a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openHistoryDB(cfg.History)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := history.New(db, cfg.History.MaxTurns, logger).Reset(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "forgot %s in %s\n", args[1], args[0])
		return nil
	},
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openHistoryDB(cfg.History)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		keys, err := db.Keys(ctx, history.KeyPrefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Fprintln(out, strings.TrimPrefix(key, history.KeyPrefix))
		}
		return nil
	}

	turns, err := history.New(db, cfg.History.MaxTurns, logger).Load(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Fprintln(os.Stderr, "no history")
		return nil
	}
	for _, turn := range turns {
		fmt.Fprintf(out, "[%s] %s\n", turn.Role, turn.Text)
	}
	return nil
}
