// Package cli is the awaymail command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"awaymail/internal/app"
	"awaymail/internal/config"
	"awaymail/internal/storage"
)

type options struct {
	configFile string
	envFiles   []string
}

func BuildCLI() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "awaymail",
		Short: "Relay Telegram messages to email while you are away",
		Long: `awaymail buffers private Telegram messages per sender while the owner
is away and mails one digest per sender after a quiet period or once a
message limit is reached.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(opts.envFiles...)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "config.yaml", "config file path (yaml or json)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config")

	root.AddCommand(buildRunCommand(opts), buildTestMailCommand(opts), buildPendingCommand(opts))
	return root
}

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts.configFile)
		},
	}
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func buildTestMailCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test-mail [message]",
		Short: "Send a test email with the stored mail settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, _, err := app.OpenCore(ctx, opts.configFile)
			if err != nil {
				return err
			}
			defer core.Close()
			if err := core.Mailer.SendTest(ctx, strings.Join(args, " ")); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Test email sent")
			return err
		},
	}
}

func buildPendingCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List sender logs waiting to be mailed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			core, _, err := app.OpenCore(ctx, opts.configFile)
			if err != nil {
				return err
			}
			defer core.Close()
			return printPending(ctx, cmd.OutOrStdout(), core.Store)
		},
	}
}

func printPending(ctx context.Context, out io.Writer, log storage.MessageLog) error {
	keys, err := log.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		_, err := fmt.Fprintln(out, "No pending messages")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SENDER\tMESSAGES\tFIRST\tLAST")
	for _, k := range keys {
		entries, err := log.ReadAll(ctx, k)
		if err != nil {
			return err
		}
		first, last := "-", "-"
		if len(entries) > 0 {
			first = stamp(entries[0])
			last = stamp(entries[len(entries)-1])
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", k, len(entries), first, last)
	}
	return tw.Flush()
}

func stamp(e storage.Entry) string {
	if e.At.IsZero() {
		return "-"
	}
	return e.At.Format("2006-01-02 15:04:05")
}
