package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

func chatCmd() *cobra.Command {
	var (
		convID    string
		showSteps bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Run one agent turn and print the answer",
		Example: `  aule-agent chat "What time is it in Lisbon?"
  aule-agent chat -s conv-1234 --steps "And in Tokyo?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cmd.OutOrStdout(), domain.ConversationID(convID), strings.Join(args, " "), showSteps)
		},
	}
	cmd.Flags().StringVarP(&convID, "conversation", "s", "", "continue an existing conversation")
	cmd.Flags().BoolVar(&showSteps, "steps", false, "print every reasoning step")
	return cmd
}

func runChat(ctx context.Context, out io.Writer, convID domain.ConversationID, message string, showSteps bool) (err error) {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if cerr := a.close(closeCtx); err == nil {
			err = cerr
		}
	}()

	resp, convID, err := a.agent.Chat(ctx, convID, message)
	if err != nil {
		return err
	}

	if showSteps {
		printSteps(out, resp.Steps)
	}
	fmt.Fprintln(out, resp.Response)
	fmt.Fprintf(out, "\n[conversation %s | %d iterations | %s | %s]\n",
		convID, resp.TotalIterations, resp.Termination, resp.TotalTime.Round(time.Millisecond))
	return nil
}

func printSteps(out io.Writer, steps []domain.ReActStep) {
	for _, s := range steps {
		fmt.Fprintf(out, "#%d %s", s.Iteration, s.Action.Kind)
		if s.Action.Tool != "" {
			fmt.Fprintf(out, " %s", s.Action.Tool)
		}
		fmt.Fprintln(out)
		if s.Action.Thought != "" {
			fmt.Fprintf(out, "   thought: %s\n", s.Action.Thought)
		}
		if s.Observation != "" {
			fmt.Fprintf(out, "   observation: %s\n", s.Observation)
		}
	}
	if len(steps) > 0 {
		fmt.Fprintln(out)
	}
}
