package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type listenCommand struct {
	N int `short:"n" description:"Maximum number of envelopes to receive (0 = unlimited)" default:"0"`
}

func (cmd *listenCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintln(os.Stderr, "Listening for envelopes... (Ctrl+C to stop)")

	count := 0
	for env, err := range c.Envelopes(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printEnvelope(env)
		count++
		if cmd.N > 0 && count >= cmd.N {
			break
		}
	}
	return nil
}
