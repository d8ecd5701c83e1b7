package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/nhle/mailsync/internal/app"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	a := cli.NewApp()
	a.Name = "mailsync"
	a.Usage = "Keep a local mail index in sync with mbox, maildir and IMAP stores"
	a.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   model.DefaultConfigPath(),
			Usage:   "Path to the configuration file",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Override the configured log level",
		},
	}
	a.Commands = []*cli.Command{
		cmdAdd,
		cmdList,
		cmdRemove,
		cmdPoll,
		cmdRebuild,
		cmdSearch,
		cmdWatch,
	}
	return a
}

func installSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func loadConfig(c *cli.Context) (*model.AppConfig, error) {
	cfg, err := model.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

// openRuntime loads the config and wires the runtime with console logging.
func openRuntime(ctx context.Context, c *cli.Context) (*app.Runtime, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	log := logging.Console(cfg.LogLevel)
	return app.Open(ctx, cfg, credential.Get, log)
}
