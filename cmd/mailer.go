/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/makebreak/apiserver/config"
	"github.com/makebreak/apiserver/internal/logging"
	"github.com/makebreak/apiserver/internal/notify"
	"github.com/makebreak/apiserver/internal/server"
	"github.com/spf13/cobra"
)

// mailerCmd consumes queued email jobs and delivers them over SMTP.
var mailerCmd = &cobra.Command{
	Use:   "mailer",
	Short: "Deliver queued auth emails",
	Long: `Consumes email jobs published by the server when NOTIFIER_BACKEND is
rabbitmq or pubsub, and delivers them over SMTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		if cfg.Notifier != "rabbitmq" && cfg.Notifier != "pubsub" {
			return fmt.Errorf("mailer requires NOTIFIER_BACKEND=rabbitmq or pubsub, got %q", cfg.Notifier)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := logging.NewLogger(logging.Config{
			ServiceName: "makebreak-mailer",
			Environment: cfg.Environment,
			Level:       cfg.LogLevel,
		})

		queue, err := server.OpenQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer queue.Close()

		smtp, err := server.NewSMTPNotifier(ctx, cfg)
		if err != nil {
			return err
		}

		logger.Info("mailer started", "backend", cfg.Notifier, "channel", notify.Channel)
		worker := notify.NewWorker(smtp, logger)
		if err := worker.Run(ctx, queue); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mailerCmd)
}
