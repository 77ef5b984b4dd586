// Package miner is the scheduling core: it decides which channel to watch,
// sends watch heartbeats, reacts to push events and claims finished drops.
package miner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcin-skalski/drops-miner/internal/auth"
	"github.com/marcin-skalski/drops-miner/internal/campaign"
	"github.com/marcin-skalski/drops-miner/internal/config"
	"github.com/marcin-skalski/drops-miner/internal/pubsub"
	"github.com/marcin-skalski/drops-miner/internal/tui"
	"github.com/marcin-skalski/drops-miner/internal/twitch"
)

// State of the engine.
type State int

const (
	// StateIdle means nothing minable right now.
	StateIdle State = iota
	// StateSelecting means a channel is being picked and prepared.
	StateSelecting
	// StateWatching means heartbeats are flowing for a channel.
	StateWatching
	// StateReconnecting means the event connection is down; watching may
	// continue but push events are not arriving.
	StateReconnecting
)

func stateString(s State) string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateWatching:
		return "watching"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "idle"
	}
}

// Notification is a user-facing event emitted by the engine.
type Notification struct {
	Title string
	Body  string
}

// session is the channel currently being watched.
type session struct {
	candidate campaign.Candidate
	target    twitch.WatchTarget
	epoch     uint64
	started   time.Time
	failures  int
}

// Protocol is the slice of the GraphQL client the engine needs.
type Protocol interface {
	SyncInventory(ctx context.Context) ([]campaign.Campaign, error)
	SyncCampaigns(ctx context.Context) ([]campaign.Campaign, error)
	SyncActiveChannels(ctx context.Context, gameName string) ([]campaign.Channel, error)
	StreamInfo(ctx context.Context, login string) (string, error)
	PlaybackToken(ctx context.Context, login string) (value, signature string, err error)
	ClaimDrop(ctx context.Context, instanceID string) error
}

// HeartbeatSender sends watch pulses for a prepared target.
type HeartbeatSender interface {
	FetchSpadeURL(ctx context.Context, channelLogin string) (string, error)
	SendMinuteWatched(ctx context.Context, target twitch.WatchTarget) error
	TouchPlaylist(ctx context.Context, target twitch.WatchTarget) error
}

// EventBus is the slice of the pubsub consumer the engine needs.
type EventBus interface {
	Subscribe(topics ...string) error
	Unsubscribe(topics ...string) error
	Events() <-chan campaign.Event
}

type Engine struct {
	store    *auth.Store
	gql      Protocol
	watcher  HeartbeatSender
	consumer EventBus
	model    *campaign.Model
	logger   *slog.Logger

	// now is replaceable in tests.
	now func() time.Time

	mu          sync.Mutex
	cfg         *config.Config
	state       State
	current     *session
	cooldowns   map[string]time.Time
	epoch       uint64
	connected   bool
	reconnSince time.Time
	claiming    map[string]bool
	claimed     []tui.ClaimedDrop

	reevalCh chan struct{}
	syncCh   chan struct{}
	notifs   chan Notification
	claimWG  sync.WaitGroup
}

func New(cfg *config.Config, store *auth.Store, gql Protocol, watcher HeartbeatSender, consumer EventBus, model *campaign.Model, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:     store,
		gql:       gql,
		watcher:   watcher,
		consumer:  consumer,
		model:     model,
		logger:    logger.With("component", "miner"),
		now:       time.Now,
		cfg:       cfg,
		cooldowns: make(map[string]time.Time),
		claiming:  make(map[string]bool),
		reevalCh:  make(chan struct{}, 1),
		syncCh:    make(chan struct{}, 1),
		notifs:    make(chan Notification, 16),
	}
	model.SetPriority(campaign.PriorityConfig{
		Games:    cfg.Priority.Games,
		Excluded: cfg.Priority.Excluded,
	})
	return e
}

// Notifications is a bounded stream of user-facing events. Slow consumers
// lose notifications, never block mining.
func (e *Engine) Notifications() <-chan Notification { return e.notifs }

func (e *Engine) notify(n Notification) {
	select {
	case e.notifs <- n:
	default:
	}
}

// SetConfig applies a reloaded config. Priority changes trigger an
// immediate re-evaluation instead of waiting for the next tick.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.model.SetPriority(campaign.PriorityConfig{
		Games:    cfg.Priority.Games,
		Excluded: cfg.Priority.Excluded,
	})
	e.requestReeval()
}

func (e *Engine) requestReeval() {
	select {
	case e.reevalCh <- struct{}{}:
	default:
	}
}

func (e *Engine) requestSync() {
	select {
	case e.syncCh <- struct{}{}:
	default:
	}
}

func (e *Engine) config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// ConsumerHooks returns the lifecycle hooks to install on the event
// consumer.
func (e *Engine) ConsumerHooks() pubsub.Hooks {
	return pubsub.Hooks{
		OnConnect:    e.onEventsUp,
		OnDisconnect: e.onEventsDown,
	}
}

func (e *Engine) onEventsUp(epoch uint64) {
	e.mu.Lock()
	e.epoch = epoch
	first := !e.connected
	e.connected = true
	if e.state == StateReconnecting {
		e.state = StateWatching
	}
	e.mu.Unlock()

	e.logger.Info("event connection up", "epoch", epoch)
	if !first {
		// Progress and claim events may have been missed while down; a full
		// poll catches the model up before the next re-evaluation.
		e.requestSync()
	}
}

func (e *Engine) onEventsDown(epoch uint64, err error) {
	e.mu.Lock()
	e.connected = false
	e.reconnSince = e.now()
	if e.state == StateWatching {
		e.state = StateReconnecting
	}
	e.mu.Unlock()
	e.logger.Warn("event connection down", "epoch", epoch, "error", err)
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.config()
	e.logger.Info("engine started",
		"heartbeat", cfg.Watch.HeartbeatInterval,
		"sync", cfg.Watch.SyncInterval,
		"failure_threshold", cfg.Watch.FailureThreshold)

	if err := e.bootstrap(ctx); err != nil {
		return err
	}

	go e.consumeEvents(ctx)

	heartbeat := time.NewTicker(cfg.Watch.HeartbeatInterval)
	defer heartbeat.Stop()
	eval := time.NewTicker(cfg.Watch.EvalInterval)
	defer eval.Stop()
	syncTick := time.NewTicker(cfg.Watch.SyncInterval)
	defer syncTick.Stop()
	sweep := time.NewTicker(cfg.Watch.ClaimSweepInterval)
	defer sweep.Stop()

	e.evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("shutting down, waiting for in-flight claims")
			e.claimWG.Wait()
			return nil
		case <-heartbeat.C:
			e.heartbeat(ctx)
		case <-eval.C:
			e.evaluate(ctx)
		case <-e.reevalCh:
			e.evaluate(ctx)
		case <-e.syncCh:
			if err := e.syncNow(ctx); err != nil {
				e.logger.Error("catch-up sync failed", "error", err)
			}
			e.sweepClaims(ctx)
			e.evaluate(ctx)
		case <-syncTick.C:
			if err := e.syncNow(ctx); err != nil {
				e.logger.Error("periodic sync failed", "error", err)
			}
			e.sweepClaims(ctx)
		case <-sweep.C:
			e.sweepClaims(ctx)
		}
	}
}

// bootstrap performs the initial inventory sync and subscribes the user
// topics. A failed first sync is not fatal: the engine starts degraded and
// the periodic sync recovers it.
func (e *Engine) bootstrap(ctx context.Context) error {
	cred, err := e.store.Acquire()
	if err != nil {
		return err
	}
	if err := e.syncNow(ctx); err != nil {
		e.logger.Error("initial sync failed, starting degraded", "error", err)
	}
	if err := e.consumer.Subscribe(pubsub.TopicDropEvents(cred.UserID)); err != nil {
		e.logger.Warn("user topic subscription deferred", "error", err)
	}
	e.sweepClaims(ctx)
	return nil
}

// syncNow polls inventory and campaigns into the model. The sequence number
// is taken before the request goes out so a push event landing mid-flight
// marks this poll stale.
func (e *Engine) syncNow(ctx context.Context) error {
	seq := e.model.SyncSeq()
	inv, err := e.gql.SyncInventory(ctx)
	if err != nil {
		return err
	}
	all, err := e.gql.SyncCampaigns(ctx)
	if err != nil {
		e.logger.Warn("campaign directory sync failed, using inventory only", "error", err)
		all = nil
	}

	merged := make(map[string]campaign.Campaign, len(inv)+len(all))
	for _, c := range all {
		merged[c.ID] = c
	}
	for _, c := range inv {
		merged[c.ID] = c
	}
	list := make([]campaign.Campaign, 0, len(merged))
	for _, c := range merged {
		list = append(list, c)
	}
	if !e.model.ApplySync(seq, list) {
		e.logger.Debug("sync result discarded as stale")
	}
	return nil
}

// consumeEvents folds push events into the model and reacts to the ones
// that need action.
func (e *Engine) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.consumer.Events():
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev campaign.Event) {
	e.model.ApplyEvent(ev)
	switch ev.Kind {
	case campaign.EventDropReady:
		e.logger.Info("drop ready", "drop", ev.DropID)
		e.claimAsync(ctx, ev.DropID)
	case campaign.EventProgress:
		// A completed drop sometimes only announces progress; the sweep
		// catches it if no drop-ready event follows.
		e.logger.Debug("drop progress", "drop", ev.DropID, "minutes", ev.Minutes)
	case campaign.EventStreamDown:
		e.mu.Lock()
		watchingIt := e.current != nil && e.current.candidate.Channel.ID == ev.ChannelID
		e.mu.Unlock()
		if watchingIt {
			e.logger.Info("watched channel went offline", "channel", ev.ChannelID)
			e.stopWatching("stream down")
			e.requestReeval()
		}
	case campaign.EventStreamUp:
		e.requestReeval()
	}
}
