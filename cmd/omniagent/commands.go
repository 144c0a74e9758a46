package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"omniagent/internal/channels"
	"omniagent/internal/gateway"
	"omniagent/internal/schedule"
	"omniagent/pkg/models"
)

func buildGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the channel gateway",
		Long:  "Connects the enabled channel adapters and routes inbound messages through the turn engine and job manager until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			ingress, registry, err := rt.buildChannels()
			if err != nil {
				return err
			}
			if len(registry.All()) == 0 {
				return fmt.Errorf("no channels enabled; enable telegram or discord in the config")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stopMetrics := rt.serveMetrics()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := stopMetrics(shutdownCtx); err != nil {
					rt.logger.Warn("metrics shutdown failed", "error", err)
				}
			}()

			if err := registry.StartAll(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := registry.StopAll(stopCtx); err != nil {
					rt.logger.Warn("adapter shutdown failed", "error", err)
				}
			}()

			rt.manager.Start(ctx)
			defer rt.manager.Stop()

			router := gateway.NewRouter(rt.engine, rt.manager, gateway.RegistrySender(registry), gateway.Options{
				Memory:    rt.memory,
				Policy:    rt.policy,
				Partition: rt.partition,
				Metrics:   rt.metrics,
				Logger:    rt.logger,
			})

			rt.logger.Info("gateway started",
				"channels", len(registry.All()),
				"partition", rt.partition.Strategy())
			router.Run(ctx, ingress.Messages())
			rt.logger.Info("gateway stopped")
			return nil
		},
	}
}

// printSender writes router replies to stdout for the local commands.
type printSender struct {
	out io.Writer
}

func (s printSender) Send(_ context.Context, out *channels.OutboundMessage) error {
	_, err := fmt.Fprintln(s.out, out.Text)
	return err
}

func buildReplCmd() *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive local session",
		Long:  "Reads lines from stdin and runs them through the router: slash commands work the same way they do on a channel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt.manager.Start(ctx)
			defer rt.manager.Stop()

			router := gateway.NewRouter(rt.engine, rt.manager, printSender{out: cmd.OutOrStdout()}, gateway.Options{
				Memory:    rt.memory,
				Policy:    replPolicy(),
				Partition: rt.partition,
				Metrics:   rt.metrics,
				Logger:    rt.logger,
			})
			go router.PumpCompletions(ctx)

			fmt.Fprintln(cmd.OutOrStdout(), "omniagent repl; /help for commands, Ctrl-D to exit")
			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				reply := router.Handle(ctx, replMessage(sessionKey, line))
				if reply != "" {
					fmt.Fprintln(cmd.OutOrStdout(), reply)
				}
				if ctx.Err() != nil {
					break
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "local", "Session key for the REPL conversation")
	return cmd
}

func buildStdioCmd() *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Run one turn from stdin",
		Long:  "Reads all of stdin as a single prompt, runs one foreground turn, and writes the reply to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			prompt, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			text := strings.TrimSpace(string(prompt))
			if text == "" {
				return fmt.Errorf("empty prompt")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reply, err := rt.engine.RunTurn(ctx, string(models.ChannelREPL)+":"+sessionKey, text)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "stdio", "Session key for the turn")
	return cmd
}

func buildScheduleCmd() *cobra.Command {
	var (
		every             time.Duration
		cronExpr          string
		timezone          string
		prompt            string
		recipient         string
		maxRuns           int
		waitForCompletion time.Duration
		sessionPrefix     string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run a prompt on a recurring schedule",
		Long:  "Submits the prompt as a background job on each tick. Ctrl-C drains in-flight jobs bounded by --wait-for-completion.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("--prompt is required")
			}
			spec, err := schedule.ParseSpec(every, cronExpr, timezone)
			if err != nil {
				return err
			}

			rt, err := newRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt.manager.Start(ctx)
			defer rt.manager.Stop()

			counters := schedule.Run(ctx, rt.manager, schedule.Config{
				Spec:              spec,
				SessionPrefix:     sessionPrefix,
				Recipient:         recipient,
				Prompt:            prompt,
				MaxRuns:           maxRuns,
				WaitForCompletion: waitForCompletion,
				Logger:            rt.logger,
			})
			fmt.Fprintf(cmd.OutOrStdout(),
				"submitted=%d succeeded=%d failed=%d timed_out=%d submit_errors=%d\n",
				counters.Submitted, counters.Succeeded, counters.Failed,
				counters.TimedOut, counters.SubmitErrors)
			return nil
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "Fixed interval between runs (mutually exclusive with --cron)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (mutually exclusive with --every)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for --cron")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt to run on each tick")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient for completion delivery, channel-prefixed as channel|id")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "Stop after this many submissions (0 = unbounded)")
	cmd.Flags().DurationVar(&waitForCompletion, "wait-for-completion", 30*time.Second, "Drain window for in-flight jobs on exit")
	cmd.Flags().StringVar(&sessionPrefix, "session-prefix", "schedule", "Prefix for the isolated job sessions")
	return cmd
}

func buildChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Inspect and exercise channel adapters",
	}
	cmd.AddCommand(buildChannelListCmd(), buildChannelSendCmd())
	return cmd
}

func buildChannelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			cfg := rt.cfg.Channels
			fmt.Fprintf(cmd.OutOrStdout(), "telegram: enabled=%t mode=%s dedup=%s\n",
				cfg.Telegram.Enabled, cfg.Telegram.Mode, cfg.Telegram.DedupBackend)
			fmt.Fprintf(cmd.OutOrStdout(), "discord: enabled=%t guilds=%d\n",
				cfg.Discord.Enabled, len(cfg.Discord.AllowedGuilds))
			return nil
		},
	}
}

func buildChannelSendCmd() *cobra.Command {
	var (
		channelName string
		recipient   string
		text        string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a one-off message through an adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if recipient == "" || text == "" {
				return fmt.Errorf("--recipient and --text are required")
			}
			rt, err := newRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			_, registry, err := rt.buildChannels()
			if err != nil {
				return err
			}
			adapter, ok := registry.Get(models.ChannelType(channelName))
			if !ok {
				return fmt.Errorf("channel %q is not enabled", channelName)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := adapter.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer stopCancel()
				if err := adapter.Stop(stopCtx); err != nil {
					rt.logger.Warn("adapter stop failed", "error", err)
				}
			}()

			return adapter.Send(ctx, &channels.OutboundMessage{
				Channel:   models.ChannelType(channelName),
				Recipient: recipient,
				Text:      text,
			})
		},
	}
	cmd.Flags().StringVar(&channelName, "channel", "telegram", "Channel type (telegram|discord)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient id (chat or channel id)")
	cmd.Flags().StringVar(&text, "text", "", "Message text")
	return cmd
}

// replPolicy grants the local user every control command.
func replPolicy() *gateway.Policy {
	policy, err := gateway.NewPolicy([]string{"*=>" + replUser}, nil)
	if err != nil {
		panic(err)
	}
	return policy
}

const replUser = "local"

func replMessage(sessionKey, content string) *models.ChannelMessage {
	return &models.ChannelMessage{
		ID:         fmt.Sprintf("repl-%d", time.Now().UnixNano()),
		Sender:     replUser,
		Recipient:  replUser,
		SessionKey: sessionKey,
		Content:    content,
		Channel:    models.ChannelREPL,
		Timestamp:  time.Now(),
	}
}
