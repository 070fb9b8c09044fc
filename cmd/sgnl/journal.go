package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"
)

type journalCommand struct {
	N int `short:"n" description:"Number of entries to show" default:"20"`
}

func (cmd *journalCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	entries, err := c.Journal(ctx, cmd.N)
	if err != nil {
		return err
	}
	for _, e := range entries {
		sent := time.UnixMilli(int64(e.Timestamp)).Format("2006-01-02 15:04:05")
		fmt.Printf("%s  %-20s recipient=%d device=%d sent=%s key=%s\n",
			e.ReceivedAt.Format("2006-01-02 15:04:05"), e.Type, e.RecipientID, e.SourceDevice, sent, e.Key)
	}
	return nil
}
