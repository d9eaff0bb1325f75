package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"aicodeview-backend/internal/config"
	"aicodeview-backend/internal/detector"
	"aicodeview-backend/internal/formatter"
	"aicodeview-backend/internal/generator"
	"aicodeview-backend/internal/provider"
	"aicodeview-backend/internal/service"
	"aicodeview-backend/internal/utils"
	"aicodeview-backend/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagProvider string
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aicodeview",
		Short:         "Generate, detect and format code from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "./configs/config.yaml", "path to the config file")
	root.PersistentFlags().StringVar(&flagProvider, "provider", "", "override model.provider (gemini, openai, doubao, qwen)")

	root.AddCommand(newGenerateCmd(utils.SystemClipboard{}), newDetectCmd(), newFormatCmd())
	return root
}

func newGenerateCmd(clip service.Clipboard) *cobra.Command {
	var copyResult bool
	cmd := &cobra.Command{
		Use:   "generate <description...>",
		Short: "Generate code for a description and print it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			cfg, err := config.Load(flagConfig)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if flagProvider != "" {
				cfg.Model.Provider = flagProvider
			}
			if err := logger.InitWithOutput(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
				return err
			}

			p, err := provider.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			gen := generator.New(p, cfg.Generation.MinInputLength)

			res, err := gen.Generate(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return errors.New(generator.UserMessage(err))
			}

			fmt.Fprintln(cmd.OutOrStdout(), res.Code)
			fmt.Fprintf(cmd.ErrOrStderr(), "language: %s\n", res.Language)

			if copyResult {
				if err := clip.WriteAll(res.Code); err != nil {
					return errors.New(service.MsgClipboard)
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "copied to clipboard")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&copyResult, "copy", false, "copy the generated code to the system clipboard")
	return cmd
}

func newDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Print the detected language of the code on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), detector.Detect(string(text)))
			return nil
		},
	}
}

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Strip fences and re-indent the code on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatter.Format(string(text)))
			return nil
		},
	}
}
