// Command sgnl is a CLI for receiving from the Signal messenger service.
//
// Usage:
//
//	sgnl receive           Fetch and acknowledge queued envelopes
//	sgnl listen            Print envelopes pushed over the message pipe
//	sgnl attachment        Download and decrypt an attachment
//	sgnl sticker           Show a sticker pack or download one sticker
//	sgnl profile <addr>    Fetch and decrypt a profile
//	sgnl journal           Show recently delivered envelopes
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	client "github.com/gwillem/signal-receiver"
	"github.com/gwillem/signal-receiver/internal/config"
	"github.com/gwillem/signal-receiver/internal/instrument"
)

type globalOpts struct {
	Config      string `short:"c" long:"config" description:"Path to TOML configuration file"`
	DB          string `long:"db" description:"Path to database file"`
	Verbose     bool   `short:"v" long:"verbose" description:"Enable verbose logging"`
	MetricsAddr string `long:"metrics-addr" description:"Serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)"`
	DebugDir    string `long:"debug-dir" description:"Directory for dumping raw pushed envelopes"`

	Receive    receiveCommand    `command:"receive" description:"Fetch, print and acknowledge queued envelopes"`
	Listen     listenCommand     `command:"listen" description:"Print envelopes pushed over the message pipe"`
	Attachment attachmentCommand `command:"attachment" description:"Download and decrypt an attachment"`
	Sticker    stickerCommand    `command:"sticker" description:"Show a sticker pack manifest or download a sticker"`
	Profile    profileCommand    `command:"profile" description:"Fetch and decrypt a profile"`
	Journal    journalCommand    `command:"journal" description:"Show recently delivered envelopes"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// clientOpts builds client options from the config file and global flags.
// Flags override the config file.
func clientOpts() ([]client.Option, error) {
	var (
		copts  []client.Option
		logger *zap.Logger
		cfg    *config.Config
	)
	if opts.Config != "" {
		var err error
		cfg, err = config.LoadFile(opts.Config)
		if err != nil {
			return nil, err
		}
		copts, err = client.ConfigOptions(cfg)
		if err != nil {
			return nil, err
		}
		if logger, err = cfg.Logging.Build(); err != nil {
			return nil, err
		}
	}

	if opts.Verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}
	if logger != nil {
		copts = append(copts, client.WithLogger(logger))
	}

	if opts.DB != "" {
		copts = append(copts, client.WithDBPath(opts.DB))
	}

	if opts.DebugDir != "" {
		copts = append(copts, client.WithDebugDir(opts.DebugDir))
	}

	addr := opts.MetricsAddr
	if addr == "" && cfg != nil {
		addr = cfg.Metrics.Address
	}
	if addr != "" {
		serveMetrics(addr, logger)
	}
	return copts, nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	instrument.Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", instrument.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint", zap.String("address", addr), zap.Error(err))
		}
	}()
}

// openClient creates a client with the global options and opens its store.
func openClient(ctx context.Context) (*client.Client, error) {
	copts, err := clientOpts()
	if err != nil {
		return nil, err
	}
	c := client.NewClient(copts...)
	if err := c.Open(ctx); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return c, nil
}
