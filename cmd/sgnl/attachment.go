package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	client "github.com/gwillem/signal-receiver"
)

type attachmentCommand struct {
	ID     uint64      `long:"id" required:"true" description:"CDN attachment id"`
	Key    base64Bytes `long:"key" required:"true" description:"Attachment key (base64, 64 bytes)"`
	Digest base64Bytes `long:"digest" required:"true" description:"Ciphertext digest (base64)"`
	Size   uint32      `long:"size" description:"Plaintext size in bytes, 0 if unknown"`
	Output string      `short:"o" long:"output" required:"true" description:"Write the plaintext to this file"`
}

func (cmd *attachmentCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ptr := &client.AttachmentPointer{ID: cmd.ID, Key: cmd.Key, Digest: cmd.Digest}
	if cmd.Size > 0 {
		ptr.Size = &cmd.Size
	}

	tmp, err := os.CreateTemp("", "sgnl-attachment-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	progress := func(total, transferred int64) {
		fmt.Fprintf(os.Stderr, "\r%d/%d bytes", transferred, total)
	}
	plain, err := c.Attachment(ctx, ptr, tmp, progress)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("download attachment: %w", err)
	}
	return writeOutput(cmd.Output, plain)
}

func writeOutput(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, path)
	return nil
}
