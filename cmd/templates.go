/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/makebreak/apiserver/config"
	"github.com/makebreak/apiserver/internal/notify"
	"github.com/makebreak/apiserver/internal/server"
	"github.com/spf13/cobra"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage email templates",
}

var templatesPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload the built-in email templates to object storage",
	Long: `Uploads the built-in email templates to the bucket selected by
TEMPLATE_SOURCE (minio or gcs) so they can be edited without a rebuild.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.LoadConfig()

		objects, err := server.OpenStorage(ctx, cfg)
		if err != nil {
			return err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}

		for _, name := range notify.Templates {
			body, err := notify.EmbeddedTemplate(name)
			if err != nil {
				return err
			}
			key := notify.TemplateKey(name)
			if err := objects.PutBytes(ctx, key, body, "text/html; charset=utf-8"); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s to %s\n", key, objects.Bucket())
		}
		return nil
	},
}

var templatesResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove template overrides from object storage",
	Long: `Deletes the email templates from the bucket selected by TEMPLATE_SOURCE,
so the server falls back to the built-in copies on its next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.LoadConfig()

		objects, err := server.OpenStorage(ctx, cfg)
		if err != nil {
			return err
		}
		return notify.RemoveTemplates(ctx, objects, func(key string) {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", key, objects.Bucket())
		})
	},
}

func init() {
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.AddCommand(templatesPushCmd, templatesResetCmd)
}
