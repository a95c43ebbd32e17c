// Command mimir-monitor tracks XMPP presence and drives news
// notifications over it, wired the way cmd/qntx wires its own server
// command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ralphm/mimir/internal/config"
	"github.com/ralphm/mimir/internal/db"
	"github.com/ralphm/mimir/internal/errors"
	"github.com/ralphm/mimir/internal/logger"
	"github.com/ralphm/mimir/internal/metrics"
	"github.com/ralphm/mimir/internal/monitor"
	"github.com/ralphm/mimir/internal/session"
)

var monitorDefaults = map[string]interface{}{
	"rhost":   "localhost",
	"rport":   5347,
	"dbuser":  "mimir",
	"dbname":  "mimir",
	"verbose": 0,
	"json":    false,
}

var rootCmd = &cobra.Command{
	Use:   "mimir-monitor",
	Short: "Track XMPP presence and drive news notifications over it",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("jid", "", "component JID, e.g. mimir-monitor.example.org")
	flags.String("secret", "", "component shared secret")
	flags.String("rhost", "", "XMPP router host")
	flags.Int("rport", 0, "XMPP router component port")
	flags.String("dbuser", "", "unused, kept for config-file compatibility with the original")
	flags.String("dbname", "", "SQLite database name; \".db\" is appended unless it already has an extension")
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
	v := config.New("mimir-monitor", monitorDefaults)
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "bind flags")
	}

	var cfg config.Monitor
	if err := v.Unmarshal(&cfg); err != nil {
		return errors.Wrap(err, "unmarshal config")
	}

	if err := logger.Initialize(cfg.Verbose, cfg.JSONLogs); err != nil {
		return errors.Wrap(err, "initialize logger")
	}
	log := logger.ComponentLogger("monitor")
	logger.PrintBanner("mimir-monitor", cfg.Verbose)

	conn, err := db.Open(dbPath(cfg.DBName), log)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer conn.Close()

	if err := db.Migrate(conn, log); err != nil {
		return errors.Wrap(err, "migrate database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := monitor.NewPresenceStore(ctx, conn, log)
	if err != nil {
		return errors.Wrap(err, "open presence store")
	}

	dialer := session.NewComponent(session.ComponentConfig{
		Addr:   fmt.Sprintf("%s:%d", cfg.RHost, cfg.RPort),
		Domain: cfg.JID,
		Secret: cfg.Secret,
	})
	manager := session.New(dialer, log)

	roster := monitor.NewRosterMonitor(monitor.NewMonitor(store, manager, log))
	manager.AddHandler(roster)

	news := monitor.NewNewsService(conn, manager, log)
	manager.AddHandler(news)
	roster.RegisterCallback(news.OnPresenceChange)

	go manager.Run(ctx)

	if logger.ShouldSampleMetrics(cfg.Verbose) {
		go metrics.New(log).Run(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("shutting down gracefully (press Ctrl+C again to force)...")
	shutdownDone := make(chan struct{})
	go func() {
		cancel()
		manager.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		pterm.Success.Println("monitor stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("force shutdown - exiting immediately")
		os.Exit(1)
		return nil
	case <-time.After(10 * time.Second):
		pterm.Warning.Println("shutdown timed out - exiting")
		return nil
	}
}

// dbPath derives a SQLite file path from the dbname config value. The
// original's dbuser/dbname pair named a Postgres-style connection;
// dbuser has no SQLite equivalent and is accepted but unused.
func dbPath(name string) string {
	if name == "" {
		name = "mimir"
	}
	if filepath.Ext(name) == "" {
		name += ".db"
	}
	if !strings.Contains(name, string(filepath.Separator)) {
		return name
	}
	return filepath.Clean(name)
}
