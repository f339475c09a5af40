// Command readsock listens on a TCP port and speaks every request it
// receives, one at a time, in the order received.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lexiqai/readsock/internal/app"
	"github.com/lexiqai/readsock/internal/config"
	"github.com/lexiqai/readsock/internal/observability"
	"github.com/lexiqai/readsock/internal/server"
	"github.com/lexiqai/readsock/internal/sink"
)

func main() {
	cmd := newRootCmd()
	cmd.SetArgs(normalizeArgs(os.Args[1:]))
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "readsock: %v\n", err)
		var bindErr *server.BindError
		if errors.As(err, &bindErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// normalizeArgs accepts the single-dash -ls spelling of --list-voices.
func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		if arg == "-ls" {
			arg = "--list-voices"
		}
		out[i] = arg
	}
	return out
}

func newRootCmd() *cobra.Command {
	var (
		voice      string
		listVoices bool
	)

	cmd := &cobra.Command{
		Use:   "readsock HOST PORT",
		Short: "Speak text received over TCP",
		Long: "readsock listens on HOST:PORT and speaks every request it receives.\n" +
			"A request is the bytes sent before a blank line (\\r\\n\\r\\n).",
		Version:       observability.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if listVoices {
				return cobra.MaximumNArgs(2)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := applyArgs(cfg, args); err != nil {
				return err
			}
			if cmd.Flags().Changed("voice") {
				cfg.Voice = voice
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
			logger := observability.GetLogger()

			if listVoices {
				return printVoices(cmd.Context(), cmd.OutOrStdout(), cfg, logger)
			}

			cliLog := observability.WithComponent("cli")
			cliLog.Info().
				Str("addr", cfg.ListenAddr()).
				Str("sink", cfg.Sink).
				Str("voice", cfg.Voice).
				Str("log_level", cfg.LogLevel).
				Bool("metrics_enabled", cfg.MetricsEnabled).
				Msg("readsock starting")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := app.New(cfg, logger).Run(ctx); err != nil {
				return err
			}
			cliLog.Info().Msg("readsock exited gracefully")
			return nil
		},
	}

	cmd.Flags().StringVar(&voice, "voice", "", "voice ID passed to the speech engine")
	cmd.Flags().BoolVar(&listVoices, "list-voices", false, "print available voice IDs and exit (also -ls)")
	return cmd
}

// applyArgs copies the positional HOST and PORT into cfg.
func applyArgs(cfg *config.Config, args []string) error {
	if len(args) > 0 {
		cfg.Host = args[0]
	}
	if len(args) > 1 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[1], err)
		}
		cfg.Port = port
	}
	return nil
}

func printVoices(ctx context.Context, out io.Writer, cfg *config.Config, logger zerolog.Logger) error {
	s, err := sink.New(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	voices, err := s.ListVoices(ctx)
	if err != nil {
		return err
	}
	for _, v := range voices {
		fmt.Fprintln(out, v.ID)
	}
	return nil
}
