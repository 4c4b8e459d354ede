package service

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotX12/nginx-sentinel/internal/domain"
)

const (
	lineQueueSize    = 1024
	recordQueueSize  = 1024
	sweepInterval    = 30 * time.Second
	shutdownDeadline = domain.DefaultShutdownTimeout
)

// Orchestrator wires ConfigStore, FirewallActuator, ScoreTable,
// LogParser, LogFollower and ConfigWatcher into the end-to-end
// pipeline described in spec §5: LogFollower -> LogParser -> Evaluate
// -> ScoreTable -> FirewallActuator, all fed by bounded channels so a
// slow firewall call applies backpressure all the way back to the
// tail instead of growing memory unboundedly.
type Orchestrator struct {
	logger     zerolog.Logger
	store      *ConfigStore
	firewall   *FirewallActuator
	scores     *ScoreTable
	parser     *LogParser
	follower   *LogFollower
	watcher    *ConfigWatcher
	metrics    metricsServer
	configPath string
}

type metricsServer interface {
	Serve(ctx context.Context) error
}

// NewOrchestrator assembles an Orchestrator from its already-constructed
// collaborators.
func NewOrchestrator(
	logger zerolog.Logger,
	store *ConfigStore,
	firewall *FirewallActuator,
	scores *ScoreTable,
	parser *LogParser,
	metrics metricsServer,
	configPath string,
) *Orchestrator {
	o := &Orchestrator{
		logger:     logger,
		store:      store,
		firewall:   firewall,
		scores:     scores,
		parser:     parser,
		metrics:    metrics,
		configPath: configPath,
	}
	return o
}

// Run drives the daemon until ctx is cancelled, then shuts every stage
// down cooperatively within shutdownDeadline (spec §5, §8).
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.firewall.EnsureInitialised(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string, lineQueueSize)
	records := make(chan domain.LogRecord, recordQueueSize)
	logPathChanged := make(chan string, 1)
	retarget := make(chan string, 1)

	o.follower = NewLogFollower(o.logger, lines)
	o.watcher = NewConfigWatcher(o.logger, o.configPath, o.store, logPathChanged)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.watcher.Run(runCtx, o.store.Snapshot().WatcherInterval); err != nil && runCtx.Err() == nil {
			o.logger.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case p := <-logPathChanged:
				select {
				case retarget <- p:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.follower.Follow(runCtx, o.store.Snapshot().LogPath, retarget); err != nil && runCtx.Err() == nil {
			o.logger.Error().Err(err).Msg("log follower stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.parseStage(runCtx, lines, records)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.decideStage(runCtx, records)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.scores.RunSweeper(runCtx, sweepInterval)
	}()

	if o.metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.metrics.Serve(runCtx); err != nil {
				o.logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	<-ctx.Done()
	o.logger.Info().Msg("shutting down")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		o.logger.Warn().Msg("shutdown deadline exceeded, exiting anyway")
	}

	return nil
}

func (o *Orchestrator) parseStage(ctx context.Context, lines <-chan string, records chan<- domain.LogRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			rec, ok := o.parser.Parse(line, time.Now())
			if !ok {
				continue
			}
			select {
			case records <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (o *Orchestrator) decideStage(ctx context.Context, records <-chan domain.LogRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			o.handleRecord(ctx, rec)
		}
	}
}

func (o *Orchestrator) handleRecord(ctx context.Context, rec domain.LogRecord) {
	cfg := o.store.Snapshot()
	result := Evaluate(rec, cfg)

	var decision domain.Decision
	switch result {
	case domain.InstantBan:
		decision = o.scores.ForceBan(rec.SourceIP)
	case domain.Score:
		decision = o.scores.Record(rec.SourceIP, rec.ObservedAt)
	default:
		return
	}

	if decision != domain.Ban {
		return
	}

	o.ban(ctx, rec.SourceIP, cfg.BanTimeSeconds)
}

func (o *Orchestrator) ban(ctx context.Context, ip netip.Addr, ttlSeconds int) {
	if err := o.firewall.Ban(ctx, ip, ttlSeconds); err != nil {
		o.logger.Error().Err(err).Str("ip", ip.String()).Msg("ban failed")
	}
}
