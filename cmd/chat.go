package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/pkg/poller"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Chat with a document",
		ArgsUsage: "<document-id>",
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			id, err := documentIDArg(cmd, 0)
			if err != nil {
				return err
			}
			doc, err := a.workspace.Document(ctx, id)
			if err != nil {
				return describe("document", err)
			}

			p, err := poller.NewWithConfig(poller.PollerConfig{
				Workspace: a.workspace,
				Interval:  a.config.Chat.PollInterval,
			})
			if err != nil {
				return err
			}
			defer p.Stop()

			spinner := getSpinner("💬 Starting conversation...")
			err = p.Start(ctx, id)
			spinner.Finish()
			fmt.Print("\r")
			if err != nil {
				return err
			}
			return chatLoop(ctx, p, doc.Filename)
		}),
	}
}

type transcriptPrinter struct {
	mu      sync.Mutex
	printed map[int]bool
}

var (
	userPrompt      = color.New(color.FgGreen).PrintfFunc()
	assistantPrompt = color.New(color.FgCyan).PrintfFunc()
)

// show prints assistant messages not printed before. The user's own messages
// are already on screen.
func (t *transcriptPrinter) show(msgs []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	shown := false
	for _, m := range msgs {
		if t.printed[m.ID] {
			continue
		}
		t.printed[m.ID] = true
		if bool(m.IsUser) {
			continue
		}
		fmt.Print("\r")
		assistantPrompt("Assistant: ")
		fmt.Println(m.Content)
		shown = true
	}
	if shown {
		userPrompt("\nYou: ")
	}
}

func chatLoop(ctx context.Context, p *poller.Poller, filename string) error {
	color.Cyan("\nChat with %s (type 'exit' to quit)", filename)

	printer := &transcriptPrinter{printed: map[int]bool{}}
	var lastErr error
	go func() {
		for snap := range p.Updates() {
			printer.show(snap.Messages)
			if snap.Err != nil && snap.Err != lastErr {
				color.Red("\rError: %v", snap.Err)
			}
			lastErr = snap.Err
		}
	}()

	for {
		userPrompt("\nYou: ")
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		query := strings.TrimSpace(line)
		if strings.EqualFold(query, "exit") || strings.EqualFold(query, "quit") {
			return nil
		}
		if query == "" {
			continue
		}

		if err := p.Send(ctx, query); err != nil {
			color.Red("Error: %v\n", err)
			continue
		}
		printer.show(p.Snapshot().Messages)
	}
}
