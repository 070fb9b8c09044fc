package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	client "github.com/gwillem/signal-receiver"
)

type receiveCommand struct{}

func (cmd *receiveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	envs, err := c.Receive(ctx, printEnvelope)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d envelope(s) acknowledged\n", len(envs))
	return nil
}

func printEnvelope(env *client.Envelope) {
	ts := time.UnixMilli(int64(env.Timestamp)).Format("2006-01-02 15:04:05")
	from := "(sealed sender)"
	if env.HasSource() {
		from = env.Source.String()
		if env.SourceDevice != nil {
			from = fmt.Sprintf("%s.%d", from, *env.SourceDevice)
		}
	}
	size := len(env.Content)
	if env.HasLegacyMessage() {
		size = len(env.LegacyMessage)
	}
	fmt.Printf("[%s] %s %s: %d bytes (guid %s)\n", ts, env.Type, from, size, env.ServerGUID)
}
