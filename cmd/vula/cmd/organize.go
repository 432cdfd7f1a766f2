package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ioerror/vula/internal/api"
	"github.com/ioerror/vula/internal/config"
	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/eventlog"
	"github.com/ioerror/vula/internal/events"
	"github.com/ioerror/vula/internal/keys"
	"github.com/ioerror/vula/internal/metrics"
	"github.com/ioerror/vula/internal/organize"
	"github.com/ioerror/vula/internal/sys"
	"github.com/ioerror/vula/pkg/logger"
)

var organizeCmd = &cobra.Command{
	Use:   "organize",
	Short: "Run the organize daemon",
	Long: `Run the organize daemon. It loads the state and host keys, reads the
system topology, serves the management API and resyncs periodically until
it receives SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := newDaemon(cfg, log)
		if err != nil {
			return err
		}
		return d.run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(organizeCmd)
}

// daemon is the wired organize process.
type daemon struct {
	cfg *config.Config
	log *logger.Logger

	org     *organize.Organize
	rec     *sys.Reconciler
	bus     *events.Bus
	archive *eventlog.Store
	server  *api.Server
}

func newDaemon(cfg *config.Config, log *logger.Logger) (*daemon, error) {
	hostname := cfg.Organize.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to read hostname: %w", err)
		}
		hostname = strings.SplitN(h, ".", 2)[0] + ".local."
	}

	k, err := keys.NewManager(log).LoadOrCreate(cfg.Organize.KeysFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	org, err := organize.New(organize.Config{
		Hostname:       hostname,
		Port:           uint16(cfg.Organize.Port),
		HostsFile:      cfg.Organize.HostsFile,
		ResyncInterval: cfg.Organize.ResyncInterval,
	}, organize.NewStore(cfg.Organize.StateFile, log), k, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create organize: %w", err)
	}

	rec := sys.NewReconciler(sys.Config{
		Interface:      cfg.Organize.Interface,
		Port:           uint16(cfg.Organize.Port),
		Table:          cfg.Organize.Table,
		FWMark:         cfg.Organize.FWMark,
		IPRulePriority: cfg.Organize.IPRulePriority,
	}, org, sys.NewNetReader(), log)
	org.SetSystem(rec)

	d := &daemon{cfg: cfg, log: log.WithComponent("daemon"), org: org, rec: rec, bus: events.NewBus(log)}
	org.OnResult(func(r *engine.Result) {
		if err := d.bus.Publish(context.Background(), r); err != nil {
			d.log.Warn("failed to publish result", "id", r.ID, "error", err)
		}
	})

	deps := api.Deps{Organizer: org, Bus: d.bus, Desired: rec.Desired}

	if cfg.EventLog.Enabled {
		store, err := eventlog.Open(&eventlog.Config{
			Path:            cfg.EventLog.Path,
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 300,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		if err := eventlog.Attach(d.bus, store, log); err != nil {
			store.Close()
			return nil, err
		}
		d.archive = store
		deps.Archive = store
	}

	if cfg.Metrics.Enabled {
		collector, err := metrics.NewCollector(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		if err := collector.Attach(d.bus, func() metrics.StateCounts {
			return metrics.Counts(org.Snapshot(), org.PSKStats())
		}); err != nil {
			return nil, err
		}
		deps.Metrics = collector.Handler()
	}

	d.server = api.NewServer(api.ServerConfig{Address: cfg.API.ListenAddr, Version: Version}, deps, log)
	return d, nil
}

func (d *daemon) run(ctx context.Context) error {
	if err := d.server.Start(ctx); err != nil {
		d.close()
		return err
	}

	if d.archive != nil && d.cfg.EventLog.Retention > 0 {
		go d.pruneLoop(ctx)
	}

	runErr := d.org.Run(ctx)
	if runErr != nil {
		d.log.ErrorCtx(ctx, "organize stopped with error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Stop(shutdownCtx); err != nil && err != http.ErrServerClosed {
		d.log.ErrorCtx(shutdownCtx, "failed to stop API server", err)
	}
	d.close()
	return runErr
}

func (d *daemon) close() {
	if err := d.bus.Close(); err != nil {
		d.log.Warn("failed to close event bus", "error", err)
	}
	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			d.log.Warn("failed to close event log", "error", err)
		}
	}
}

// pruneLoop drops archived results older than the retention window.
func (d *daemon) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := d.archive.Prune(ctx, time.Now().Add(-d.cfg.EventLog.Retention))
		if err != nil {
			d.log.ErrorCtx(ctx, "failed to prune event log", err)
		} else if n > 0 {
			d.log.Info("pruned event log", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
