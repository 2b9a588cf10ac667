package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cronbot/internal/app"
	"cronbot/internal/config"
	"cronbot/internal/job"
	"cronbot/internal/recurrence"
	logx "cronbot/pkg/logx"

	"github.com/spf13/cobra"
)

const stopTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "cronbot",
		Short: "Telegram bot that sends scheduled messages",
		Long: `cronbot delivers messages to Telegram chats on a schedule.

Schedules are written the same way in chat and on the command line:
  ` + strings.ReplaceAll(recurrence.Formats, "\n", "\n  ") + `

Configuration is read from a YAML, TOML or JSON file. The bot token may also
come from the ` + config.EnvToken + ` environment variable or a .env file.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml, toml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the bot until SIGINT or SIGTERM",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBot(cmd.Context(), cfgPath)
			},
		},
		newCheckScheduleCmd(),
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending storage migrations and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := config.LoadDotEnv(".env"); err != nil {
					return err
				}
				sc, err := app.MigrateStorage(cfgPath, logx.Nop())
				if err != nil {
					return err
				}
				cmd.Printf("storage ready (driver=%s path=%s)\n", sc.Driver, sc.Path)
				return nil
			},
		},
	)
	return root
}

func newCheckScheduleCmd() *cobra.Command {
	var (
		tz    float64
		count int
	)
	cmd := &cobra.Command{
		Use:     "check-schedule <schedule...>",
		Short:   "Parse a schedule and print its next fire times",
		Example: "  cronbot check-schedule weekly mon 09:30 --tz 5.5 -n 3",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := job.ValidateOffset(tz); err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("count must be >= 1")
			}
			now := time.Now()
			rec, err := recurrence.Parse(strings.Join(args, " "), now, tz)
			if err != nil {
				return err
			}
			cmd.Printf("%s (%s)\n", recurrence.Describe(rec, tz), recurrence.FormatOffset(tz))
			for i, t := range recurrence.Preview(rec, now, tz, count) {
				cmd.Printf("%2d. %s\n", i+1, recurrence.FormatLocal(t, tz))
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&tz, "tz", 8, "UTC offset in hours, multiples of 0.25")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times to print")
	return cmd
}

func runBot(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-parent.Done():
		reason = app.StopAppStop
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		return err
	}
	return stopErr
}
