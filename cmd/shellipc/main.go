package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/guseggert/shellipc/channel"
	"github.com/guseggert/shellipc/config"
	"github.com/guseggert/shellipc/internal/logging"
	"github.com/guseggert/shellipc/shell"
	"github.com/guseggert/shellipc/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "shellipc",
		Usage: "run, host or relay a runtime that talks to a native shell over a newline-delimited channel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the config file. Defaults to shellipc.yaml in the working directory or a parent.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Overrides log.level. One of [debug,info,warn,error].",
			},
		},
		Commands: []*cli.Command{
			runtimeCommand(),
			hostCommand(),
			relayCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func runtimeCommand() *cli.Command {
	return &cli.Command{
		Name:  "runtime",
		Usage: "act as the runtime: serve the channel on stdio, or over a relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "title",
				Usage: "Title to give the main window.",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "URL to navigate the main window to.",
			},
			&cli.BoolFlag{
				Name:  "no-show",
				Usage: "Do not show the main window on start.",
			},
			&cli.StringFlag{
				Name:  "relay",
				Usage: "Base URL of a relay to dial instead of using stdio. Overrides relay.url.",
			},
		},
		Action: runRuntime,
	}
}

func runRuntime(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	sink := &logging.Sink{}
	var logOpts []logging.Option
	if cfg.Log.OverChannel {
		logOpts = append(logOpts, logging.WithConsole(sink))
	}
	logger, err := logging.New(cfg.Log, logOpts...)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar().Named("runtime")

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	fatal := make(chan error, 1)
	harness := &shell.TestHarness{
		Next:      channel.NewMux(),
		AutoClose: cfg.AutoClose,
		Fatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
		Log: log,
	}
	opts := append(cfg.ChannelOptions(), channel.WithHandler(harness))

	ch, err := openRuntimeChannel(ctx, c, cfg, logger, opts)
	if err != nil {
		return err
	}
	sink.Set(ch.Stdout())
	client := shell.NewClient(ch, shell.WithLogger(logger))
	harness.Shell = client
	harness.Console = ch.Stdout()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return ch.Serve(gctx)
	})
	g.Go(func() error {
		return setupWindow(gctx, c, client)
	})
	g.Go(func() error {
		select {
		case err := <-fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	code := 0
	if err := g.Wait(); err != nil {
		log.Errorw("runtime failed", "Error", err)
		code = 1
	}
	if err := ch.Exit(code); err != nil {
		log.Debugf("error sending exit notification: %s", err)
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func openRuntimeChannel(ctx context.Context, c *cli.Context, cfg *config.Config, logger *zap.Logger, opts []channel.Option) (*channel.Channel, error) {
	relayURL := cfg.Relay.URL
	if c.IsSet("relay") {
		relayURL = c.String("relay")
	}
	if relayURL == "" {
		return transport.Stdio(transport.WithLogger(logger), transport.WithChannelOptions(opts...)), nil
	}

	rc := transport.NewRelayClient(relayURL, transport.WithRelayLogger(logger))
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := rc.WaitForRelay(waitCtx); err != nil {
		return nil, fmt.Errorf("waiting for relay: %w", err)
	}
	ch, err := rc.Dial(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	return ch, nil
}

func setupWindow(ctx context.Context, c *cli.Context, client *shell.Client) error {
	if title := c.String("title"); title != "" {
		if err := client.SetTitle(ctx, 0, title); err != nil {
			return err
		}
	}
	if url := c.String("url"); url != "" {
		if err := client.Navigate(ctx, 0, url); err != nil {
			return err
		}
	}
	if c.Bool("no-show") {
		return nil
	}
	return client.Show(ctx, 0)
}

func hostCommand() *cli.Command {
	return &cli.Command{
		Name:      "host",
		Usage:     "act as a headless shell: spawn a runtime and answer its requests",
		ArgsUsage: "-- <runtime command> [args...]",
		Action:    runHost,
	}
}

func runHost(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("host needs a runtime command to run")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar().Named("host")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	headless := shell.NewHeadless(logger.Sugar())
	headless.Console = os.Stdout

	child, err := transport.Spawn(ctx,
		transport.Command{Path: c.Args().First(), Args: c.Args().Tail()},
		transport.WithLogger(logger),
		transport.WithChannelOptions(append(cfg.ChannelOptions(), headless.ChannelOptions()...)...),
	)
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-headless.ExitRequested():
			log.Debug("runtime asked to exit, closing its input")
			child.CloseStdin()
		case <-ctx.Done():
		}
	}()

	res, err := child.Wait(context.Background())
	if err != nil {
		return fmt.Errorf("waiting for runtime: %w", err)
	}
	if res.ServeErr != nil {
		log.Errorw("channel failed", "Error", res.ServeErr)
		return cli.Exit("", 1)
	}

	code := res.ExitCode
	select {
	case <-headless.ExitRequested():
		code = headless.ExitCode()
	default:
	}
	log.Debugw("runtime finished", "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "act as a headless shell for runtimes that dial in over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on. Overrides relay.listen_addr.",
			},
		},
		Action: runRelay,
	}
}

func runRelay(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("listen-addr") {
		cfg.Relay.ListenAddr = c.String("listen-addr")
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	relay := &transport.RelayServer{
		Log: logger,
		Options: func(id string) []channel.Option {
			headless := shell.NewHeadless(logger.Sugar().With("Channel", id))
			headless.Console = os.Stdout
			return append(cfg.ChannelOptions(), headless.ChannelOptions()...)
		},
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := relay.Stop(); err != nil {
			logger.Sugar().Debugf("error stopping relay: %s", err)
		}
	}()

	return relay.Run(cfg.Relay.ListenAddr)
}
