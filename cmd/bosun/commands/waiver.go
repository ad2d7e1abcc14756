package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bosun-dev/bosun/internal/quality"
)

var (
	waiverGate    string
	waiverReason  string
	waiverRunID   string
	waiverBy      string
	waiverExpires string
)

var waiverCmd = &cobra.Command{
	Use:   "waiver",
	Short: "Manage quality-gate waivers",
}

var waiverCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a waiver for a failing gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(context.Background())
		if err != nil {
			return err
		}
		defer a.close()

		w := &quality.Waiver{
			ID:        uuid.New().String(),
			RunID:     waiverRunID,
			Gate:      waiverGate,
			Reason:    waiverReason,
			CreatedBy: waiverBy,
			CreatedAt: time.Now().UTC(),
		}
		if waiverExpires != "" {
			expires, err := time.Parse(time.RFC3339, waiverExpires)
			if err != nil {
				return validationError(fmt.Errorf("invalid --expires, want RFC3339: %w", err))
			}
			w.ExpiresAt = expires
		}
		if err := a.waivers.Create(w); err != nil {
			return validationError(err)
		}
		fmt.Printf("waiver %s created (gate: %s)\n", w.ID, w.Gate)
		return nil
	},
}

var waiverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List waivers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(context.Background())
		if err != nil {
			return err
		}
		defer a.close()

		waivers, err := a.waivers.List()
		if err != nil {
			return executionError(err)
		}
		if len(waivers) == 0 {
			fmt.Println("no waivers")
			return nil
		}
		now := time.Now().UTC()
		for _, w := range waivers {
			state := "active"
			if w.Expired(now) {
				state = "expired"
			}
			scope := "all runs"
			if w.RunID != "" {
				scope = "run " + w.RunID
			}
			fmt.Printf("%s  %-5s %-8s %s: %s\n", w.ID, w.Gate, state, scope, w.Reason)
		}
		return nil
	},
}

var waiverValidateCmd = &cobra.Command{
	Use:   "validate <id>",
	Short: "Check that a waiver exists and has not expired",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(context.Background())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.waivers.Validate(args[0]); err != nil {
			return validationError(err)
		}
		fmt.Printf("waiver %s is valid\n", args[0])
		return nil
	},
}

func init() {
	waiverCreateCmd.Flags().StringVar(&waiverGate, "gate", "", "gate to waive: lint or test")
	waiverCreateCmd.Flags().StringVar(&waiverReason, "reason", "", "why the gate is waived")
	waiverCreateCmd.Flags().StringVar(&waiverRunID, "run", "", "scope the waiver to one run")
	waiverCreateCmd.Flags().StringVar(&waiverBy, "by", "", "who created the waiver")
	waiverCreateCmd.Flags().StringVar(&waiverExpires, "expires", "", "expiry time (RFC3339)")
	_ = waiverCreateCmd.MarkFlagRequired("gate")
	_ = waiverCreateCmd.MarkFlagRequired("reason")

	waiverCmd.AddCommand(waiverCreateCmd, waiverListCmd, waiverValidateCmd)
	rootCmd.AddCommand(waiverCmd)
}
