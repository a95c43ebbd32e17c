// Command mimir-aggregator polls a set of feeds, diffs new entries
// against the last snapshot, and republishes them over XMPP pub-sub,
// wired the way cmd/qntx wires its own server command.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ralphm/mimir/internal/aggregator"
	"github.com/ralphm/mimir/internal/config"
	"github.com/ralphm/mimir/internal/errors"
	"github.com/ralphm/mimir/internal/feedstore"
	"github.com/ralphm/mimir/internal/fetcher"
	"github.com/ralphm/mimir/internal/httpclient"
	"github.com/ralphm/mimir/internal/logger"
	"github.com/ralphm/mimir/internal/session"
)

var aggregatorDefaults = map[string]interface{}{
	"feeds":    "feeds",
	"rhost":    "127.0.0.1",
	"rport":    5347,
	"service":  "pubsub.localhost",
	"web-port": 8080,
	"verbose":  0,
	"json":     false,
}

var rootCmd = &cobra.Command{
	Use:   "mimir-aggregator",
	Short: "Poll feeds and republish new entries over XMPP pub-sub",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("feeds", "", "directory holding the feed list and snapshots")
	flags.String("jid", "", "component JID, e.g. mimir-aggregator.example.org")
	flags.String("secret", "", "component shared secret")
	flags.String("rhost", "", "XMPP router host")
	flags.Int("rport", 0, "XMPP router component port")
	flags.String("service", "", "pub-sub service JID entries are published to")
	flags.Int("web-port", 0, "HTTP port for the add-feed resource")
	flags.CountP("verbose", "v", "increase output verbosity (-v, -vv)")
	flags.Bool("json", false, "emit JSON logs instead of console output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := config.New("mimir-aggregator", aggregatorDefaults)
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "bind flags")
	}

	var cfg config.Aggregator
	if err := v.Unmarshal(&cfg); err != nil {
		return errors.Wrap(err, "unmarshal config")
	}

	if err := logger.Initialize(cfg.Verbose, cfg.JSONLogs); err != nil {
		return errors.Wrap(err, "initialize logger")
	}
	log := logger.ComponentLogger("aggregator")
	logger.PrintBanner("mimir-aggregator", cfg.Verbose)

	storage, err := feedstore.Open(cfg.Feeds)
	if err != nil {
		return errors.Wrap(err, "open feed store")
	}

	client := httpclient.New(30 * time.Second)
	f := fetcher.New(client, fetcher.NewCache())

	dialer := session.NewComponent(session.ComponentConfig{
		Addr:   fmt.Sprintf("%s:%d", cfg.RHost, cfg.RPort),
		Domain: cfg.JID,
		Secret: cfg.Secret,
	})
	manager := session.New(dialer, log)

	publisher := aggregator.NewAtomPublisher(manager, cfg.Service, log)
	engine := aggregator.New(storage, f, publisher, log)
	control := aggregator.NewControl(engine, manager)
	manager.AddHandler(control)

	addFeed := aggregator.NewAddFeedResource(engine, publisher, cfg.Service, log)
	mux := http.NewServeMux()
	mux.Handle("/setfeed", addFeed)
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.WebPort), Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go manager.Run(ctx)

	// The reload itself (storage.Reload) already refreshes what GetFeed
	// sees; we only need to pick up handles the engine hasn't scheduled
	// yet; re-running SetFeed for every handle would rewrite the feed
	// list file on every reload and risk retriggering this very watch.
	if err := storage.Watch(ctx, log, func(feeds map[string]*feedstore.Feed) {
		for handle := range feeds {
			if engine.IsScheduled(handle) {
				continue
			}
			engine.ScheduleNow(ctx, handle)
		}
	}); err != nil {
		log.Warnw("feed list watch disabled", "error", err)
	}

	if logger.ShouldSampleMetrics(cfg.Verbose) {
		go engine.RunMetrics(ctx)
	}

	errChan := make(chan error, 2)
	go func() {
		errChan <- engine.Run(ctx)
	}()
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- errors.Wrap(err, "http server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		shutdownCancel()
		manager.Stop()
		return err
	case <-sigChan:
		pterm.Info.Println("shutting down gracefully (press Ctrl+C again to force)...")
		shutdownDone := make(chan struct{})
		go func() {
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = httpSrv.Shutdown(shutdownCtx)
			manager.Stop()
			close(shutdownDone)
		}()

		select {
		case <-shutdownDone:
			pterm.Success.Println("aggregator stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
