package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/episodic-memory/internal/config"
	"github.com/harun/episodic-memory/pkg/gateway"
	"github.com/harun/episodic-memory/pkg/indexer"
	"github.com/harun/episodic-memory/pkg/maintenance"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/harun/episodic-memory/pkg/scrubber"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

// Daemon runs the long-lived parts of the memory service: the archive
// watcher, the maintenance scheduler and the tool server.
type Daemon struct {
	config *config.Config
	logger zerolog.Logger
	store  *memory.Store

	indexer   *indexer.Indexer
	watcher   *indexer.Watcher
	scheduler *maintenance.Scheduler
	gateway   *gateway.Server
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status is a snapshot of the daemon state.
type Status struct {
	Running     bool                   `json:"running"`
	Uptime      time.Duration          `json:"uptime"`
	StartTime   time.Time              `json:"start_time"`
	GatewayAddr string                 `json:"gateway_addr,omitempty"`
	Clients     int                    `json:"clients"`
	Jobs        []maintenance.JobState `json:"jobs,omitempty"`
}

// NewIndexer builds an indexer over store from cfg. Redaction of secrets in
// indexed text follows the logging redaction switch.
func NewIndexer(cfg *config.Config, store *memory.Store, logger zerolog.Logger) (*indexer.Indexer, error) {
	var redactor indexer.Redactor
	if cfg.Logging.Redaction {
		redactor = scrubber.New()
	}
	return indexer.New(indexer.Config{
		Store:           store,
		Redactor:        redactor,
		MaxStorageBytes: memory.MegabytesToBytes(cfg.MaxStorageMB),
		Exclude:         cfg.Indexer.Exclude,
		Logger:          logger,
	})
}

// New wires the daemon components over an open store. Nothing runs until
// Start.
func New(cfg *config.Config, store *memory.Store, logger zerolog.Logger) (*Daemon, error) {
	if store == nil {
		return nil, errors.New("memory store is required")
	}
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: logger.With().Str("component", "daemon").Logger(),
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initialize(logger); err != nil {
		cancel()
		return nil, err
	}
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize(logger zerolog.Logger) error {
	ix, err := NewIndexer(d.config, d.store, logger)
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}
	d.indexer = ix

	d.gateway, err = gateway.NewServer(gateway.Config{
		Host:           d.config.Gateway.Host,
		Port:           d.config.Gateway.Port,
		SharedSecret:   d.config.Gateway.SharedSecret,
		RatePerSecond:  d.config.Gateway.RateLimit,
		Burst:          d.config.Gateway.RateBurst,
		DisableMetrics: !d.config.Metrics.Enabled,
		Store:          d.store,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	if d.config.Maintenance.Enabled {
		d.scheduler, err = maintenance.NewScheduler(maintenance.Config{
			Store:           d.store,
			MaxStorageBytes: memory.MegabytesToBytes(d.config.MaxStorageMB),
			BackupSchedule:  d.config.Maintenance.BackupSchedule,
			PruneSchedule:   d.config.Maintenance.PruneSchedule,
			RepairSchedule:  d.config.Maintenance.RepairSchedule,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create maintenance scheduler: %w", err)
		}
	}

	if d.config.Indexer.Watch {
		debounce := time.Duration(d.config.Indexer.DebounceMs) * time.Millisecond
		d.watcher, err = indexer.NewWatcher(ix, debounce, logger, d.onIndexed)
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
	}
	return nil
}

// Start writes the PID file and starts every component. The archive is
// indexed in the background so the tool server answers immediately.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Str("db", d.store.Path()).Msg("Starting episodic memory daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setRunning(false)
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gateway.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setRunning(false)
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	if d.scheduler != nil {
		d.scheduler.Start()
		d.logger.Info().Strs("jobs", d.scheduler.JobNames()).Msg("Maintenance scheduler started")
	}

	archive := d.config.ArchiveDir
	if _, err := os.Stat(archive); err != nil {
		d.logger.Warn().Err(err).Str("archive", archive).Msg("Archive directory unavailable, indexing disabled")
	} else {
		if d.watcher != nil {
			if err := d.watcher.Watch(archive); err != nil {
				d.logger.Warn().Err(err).Str("archive", archive).Msg("Failed to watch archive")
			}
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.indexArchive(archive)
		}()
	}

	d.logger.Info().Str("gateway", d.gateway.Addr()).Msg("Daemon started")
	return nil
}

func (d *Daemon) setRunning(running bool) {
	d.mu.Lock()
	d.running = running
	d.mu.Unlock()
}

func (d *Daemon) indexArchive(archive string) {
	start := time.Now()
	result, err := d.indexer.IndexDirectory(d.ctx, archive)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("Initial archive index failed")
		}
		return
	}
	d.logger.Info().
		Int("files", result.Files).
		Int("exchanges", result.Exchanges).
		Dur("duration", time.Since(start)).
		Msg("Initial archive index finished")
	d.publishIndexed(archive, result)
}

// onIndexed runs after every watcher pass.
func (d *Daemon) onIndexed(path string, result *indexer.Result, err error) {
	if err != nil {
		d.logger.Warn().Err(err).Str("path", path).Msg("Re-index failed")
		return
	}
	d.publishIndexed(path, result)
}

func (d *Daemon) publishIndexed(path string, result *indexer.Result) {
	if result == nil || result.Exchanges == 0 {
		return
	}
	d.gateway.Broadcast(gateway.EventMemoryIndexed, map[string]interface{}{
		"path":      path,
		"exchanges": result.Exchanges,
		"embedded":  result.Embedded,
		"pruned":    result.Pruned,
	})
}

// Stop shuts components down in reverse start order and removes the PID
// file.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping episodic memory daemon")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("watcher: %w", err))
		}
	}
	d.cancel()
	d.wg.Wait()

	if d.scheduler != nil {
		if err := d.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("maintenance scheduler: %w", err))
		}
	}
	if err := d.gateway.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway server: %w", err))
	}
	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, err)
	}

	d.logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.GatewayAddr = d.gateway.Addr()
		status.Clients = len(d.gateway.GetConnectedClients())
	}
	if d.scheduler != nil {
		status.Jobs = d.scheduler.Status()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	return d.Stop()
}

// Gateway returns the tool server.
func (d *Daemon) Gateway() *gateway.Server {
	return d.gateway
}

// Scheduler returns the maintenance scheduler, nil when maintenance is off.
func (d *Daemon) Scheduler() *maintenance.Scheduler {
	return d.scheduler
}
