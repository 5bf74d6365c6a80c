// Command dispatchctl talks to a running dispatch gateway.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lexiqai/dispatch-gateway/internal/config"
	"github.com/lexiqai/dispatch-gateway/internal/grpcapi"
)

var version = "dev"

type options struct {
	server   string
	grpcAddr string
	session  string
	timeout  time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Command line client for the dispatch gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&opts.server, "server",
		config.GetEnv("DISPATCH_SERVER", "http://localhost:8000"), "gateway HTTP base URL")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 90*time.Second, "request timeout")

	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run one conversation turn",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd.OutOrStdout(), opts, strings.Join(args, " "))
		},
	}
	askCmd.Flags().StringVarP(&opts.session, "session", "s", "", "session id to continue")
	askCmd.Flags().StringVar(&opts.grpcAddr, "grpc", "", "send the turn over gRPC to this address instead of HTTP")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation, one turn per input line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	chatCmd.Flags().StringVarP(&opts.session, "session", "s", "", "session id to continue")

	historyCmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Print the stored history of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), cmd.OutOrStdout(), opts, args[0])
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show gateway readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	rootCmd.AddCommand(askCmd, chatCmd, historyCmd, healthCmd)
	return rootCmd
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

func runAsk(ctx context.Context, out io.Writer, opts *options, question string) error {
	ctx, cancel := withTimeout(ctx, opts.timeout)
	defer cancel()

	if opts.grpcAddr != "" {
		client, err := grpcapi.NewClient(grpcapi.ClientConfig{
			Target:                    opts.grpcAddr,
			Timeout:                   opts.timeout,
			CircuitBreakerMaxFailures: 5,
		}, zerolog.Nop())
		if err != nil {
			return err
		}
		defer client.Close()

		reply, err := client.HandleTurn(ctx, opts.session, question)
		if err != nil {
			return err
		}
		printReply(out, reply.SessionID, reply.Destination, reply.Response)
		return nil
	}

	resp, err := newHTTPClient(opts.server, opts.timeout).Ask(ctx, opts.session, question)
	if err != nil {
		return err
	}
	printReply(out, resp.SessionID, resp.Destination, resp.Response)
	return nil
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, opts *options) error {
	client := newHTTPClient(opts.server, opts.timeout)
	sessionID := opts.session

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		turnCtx, cancel := withTimeout(ctx, opts.timeout)
		resp, err := client.Ask(turnCtx, sessionID, line)
		cancel()
		if err != nil {
			fmt.Fprintf(out, "error: %v\n> ", err)
			continue
		}
		sessionID = resp.SessionID
		fmt.Fprintf(out, "%s\n> ", resp.Response)
	}
	fmt.Fprintln(out)
	if sessionID != "" {
		fmt.Fprintf(out, "session: %s\n", sessionID)
	}
	return scanner.Err()
}

func runHistory(ctx context.Context, out io.Writer, opts *options, sessionID string) error {
	ctx, cancel := withTimeout(ctx, opts.timeout)
	defer cancel()

	resp, err := newHTTPClient(opts.server, opts.timeout).History(ctx, sessionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "session: %s\n", resp.SessionID)
	if resp.UpdatedAt != "" {
		fmt.Fprintf(out, "updated: %s\n", resp.UpdatedAt)
	}
	if len(resp.Messages) == 0 {
		fmt.Fprintln(out, "(no messages)")
		return nil
	}
	for _, msg := range resp.Messages {
		label := string(msg.Role)
		if msg.ToolName != "" {
			label = fmt.Sprintf("%s:%s", msg.Role, msg.ToolName)
		}
		fmt.Fprintf(out, "[%s] %s\n", label, msg.Text)
	}
	return nil
}

func runHealth(ctx context.Context, out io.Writer, opts *options) error {
	ctx, cancel := withTimeout(ctx, opts.timeout)
	defer cancel()

	status, err := newHTTPClient(opts.server, opts.timeout).Ready(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s (%s %s)\n", status.Status, status.Service, status.Version)
	names := make([]string, 0, len(status.Dependencies))
	for name := range status.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dep := status.Dependencies[name]
		line := fmt.Sprintf("  %-16s %s %dms", name, dep.Status, dep.LatencyMs)
		if dep.Message != "" {
			line += " " + dep.Message
		}
		fmt.Fprintln(out, line)
	}
	if status.Status != "ready" {
		return fmt.Errorf("gateway is not ready")
	}
	return nil
}

func printReply(out io.Writer, sessionID, destination, reply string) {
	fmt.Fprintln(out, reply)
	fmt.Fprintf(out, "\nsession: %s", sessionID)
	if destination != "" {
		fmt.Fprintf(out, "  destination: %s", destination)
	}
	fmt.Fprintln(out)
}
