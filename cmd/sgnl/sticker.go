package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
)

type stickerCommand struct {
	Pack   hexBytes `long:"pack" required:"true" description:"Sticker pack id (hex)"`
	Key    hexBytes `long:"key" required:"true" description:"Sticker pack key (hex)"`
	ID     *uint32  `long:"id" description:"Download this sticker instead of showing the manifest"`
	Output string   `short:"o" long:"output" description:"Write the sticker image to this file"`
}

func (cmd *stickerCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.ID != nil {
		if cmd.Output == "" {
			return errors.New("--output is required with --id")
		}
		img, err := c.Sticker(ctx, cmd.Pack, cmd.Key, *cmd.ID)
		if err != nil {
			return fmt.Errorf("download sticker: %w", err)
		}
		return writeOutput(cmd.Output, img)
	}

	m, err := c.StickerManifest(ctx, cmd.Pack, cmd.Key)
	if err != nil {
		return fmt.Errorf("sticker manifest: %w", err)
	}
	fmt.Printf("Title:  %s\n", m.Title)
	fmt.Printf("Author: %s\n", m.Author)
	if m.Cover != nil {
		fmt.Printf("Cover:  %d %s\n", m.Cover.ID, m.Cover.Emoji)
	}
	for _, s := range m.Stickers {
		fmt.Printf("  %4d %s\n", s.ID, s.Emoji)
	}
	return nil
}
