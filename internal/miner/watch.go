package miner

import (
	"context"

	"github.com/marcin-skalski/drops-miner/internal/campaign"
	"github.com/marcin-skalski/drops-miner/internal/pubsub"
	"github.com/marcin-skalski/drops-miner/internal/twitch"
)

// evaluate reconsiders what to watch. Cheap when the current choice is still
// the best one.
func (e *Engine) evaluate(ctx context.Context) {
	priority := e.model.Priority()

	// Refresh the channel directory for games we might watch.
	e.refreshDirectories(ctx, priority)

	candidates := e.rankedCandidates(priority)
	if len(candidates) == 0 {
		if e.stopWatching("no candidates") {
			e.logger.Info("nothing minable, going idle")
		}
		e.setState(StateIdle)
		return
	}

	best := candidates[0]
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur != nil && cur.candidate.Channel.ID == best.Channel.ID {
		return
	}

	e.setState(StateSelecting)
	for _, cand := range candidates {
		if e.startWatching(ctx, cand) {
			return
		}
	}

	e.logger.Warn("every candidate failed to start, going idle")
	e.setState(StateIdle)
}

// rankedCandidates filters cooled-down games out of the model's ranking.
func (e *Engine) rankedCandidates(priority campaign.PriorityConfig) []campaign.Candidate {
	all := e.model.CandidatesFor(priority)

	e.mu.Lock()
	now := e.now()
	for game, until := range e.cooldowns {
		if now.After(until) {
			delete(e.cooldowns, game)
		}
	}
	cooled := make(map[string]bool, len(e.cooldowns))
	for game := range e.cooldowns {
		cooled[game] = true
	}
	e.mu.Unlock()

	out := all[:0]
	for _, c := range all {
		if !cooled[c.Campaign.GameName] {
			out = append(out, c)
		}
	}
	return out
}

// refreshDirectories pulls live channel lists for every game with an active
// unclaimed campaign.
func (e *Engine) refreshDirectories(ctx context.Context, priority campaign.PriorityConfig) {
	seen := make(map[string]bool)
	for _, c := range e.model.Snapshot() {
		g := c.GameName
		if seen[g] || c.Status != campaign.StatusActive || !c.AccountLinked || !c.HasUnclaimedDrops() {
			continue
		}
		if priority.IsExcluded(g) {
			continue
		}
		seen[g] = true
		channels, err := e.gql.SyncActiveChannels(ctx, g)
		if err != nil {
			e.logger.Warn("directory refresh failed", "game", g, "error", err)
			continue
		}
		e.model.SetChannels(g, channels)
	}
}

// startWatching prepares the spade target for a candidate and installs it
// as the current session. A failure benches the game for the cooldown
// period.
func (e *Engine) startWatching(ctx context.Context, cand campaign.Candidate) bool {
	log := e.logger.With("channel", cand.Channel.Login, "game", cand.Campaign.GameName)

	broadcastID, err := e.gql.StreamInfo(ctx, cand.Channel.Login)
	if err != nil {
		log.Warn("stream info failed", "error", err)
		e.benchGame(cand.Campaign.GameName)
		return false
	}
	spadeURL, err := e.watcher.FetchSpadeURL(ctx, cand.Channel.Login)
	if err != nil {
		log.Warn("spade url scrape failed", "error", err)
		e.benchGame(cand.Campaign.GameName)
		return false
	}
	token, sig, err := e.gql.PlaybackToken(ctx, cand.Channel.Login)
	if err != nil {
		log.Warn("playback token failed", "error", err)
		e.benchGame(cand.Campaign.GameName)
		return false
	}

	target := twitch.WatchTarget{
		ChannelID:    cand.Channel.ID,
		ChannelLogin: cand.Channel.Login,
		BroadcastID:  broadcastID,
		SpadeURL:     spadeURL,
		Token:        token,
		Signature:    sig,
	}

	e.stopWatching("switching channel")
	if err := e.consumer.Subscribe(pubsub.TopicVideoPlayback(cand.Channel.ID)); err != nil {
		log.Warn("playback topic subscription deferred", "error", err)
	}

	e.mu.Lock()
	e.current = &session{
		candidate: cand,
		target:    target,
		epoch:     e.epoch,
		started:   e.now(),
	}
	e.state = StateWatching
	e.mu.Unlock()

	log.Info("watching channel", "broadcast", broadcastID)
	// First heartbeat right away; the ticker covers the rest.
	e.heartbeat(ctx)
	return true
}

// stopWatching clears the current session. Returns true when there was one.
func (e *Engine) stopWatching(reason string) bool {
	e.mu.Lock()
	cur := e.current
	e.current = nil
	e.mu.Unlock()
	if cur == nil {
		return false
	}
	e.consumer.Unsubscribe(pubsub.TopicVideoPlayback(cur.candidate.Channel.ID))
	e.logger.Info("stopped watching", "channel", cur.candidate.Channel.Login, "reason", reason)
	return true
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	// Reconnecting sticks until the event connection returns.
	if e.state != StateReconnecting || s == StateWatching {
		e.state = s
	}
	e.mu.Unlock()
}

func (e *Engine) benchGame(game string) {
	cfg := e.config()
	e.mu.Lock()
	e.cooldowns[game] = e.now().Add(cfg.Watch.FailureCooldown)
	e.mu.Unlock()
	e.logger.Info("game benched after failure", "game", game, "cooldown", cfg.Watch.FailureCooldown)
}

// heartbeat sends one minute-watched pulse for the current session. While
// the event connection is down heartbeats pause, the channel is kept for a
// bounded window, and past it selection starts over. Repeated send failures
// abandon the channel; a heartbeat that eventually lands again resets the
// failure count, so only consecutive failures count.
func (e *Engine) heartbeat(ctx context.Context) {
	cfg := e.config()

	e.mu.Lock()
	cur := e.current
	reconnecting := e.state == StateReconnecting
	since := e.reconnSince
	e.mu.Unlock()
	if cur == nil {
		return
	}
	if reconnecting {
		if e.now().Sub(since) >= cfg.Watch.ReconnectTimeout {
			e.logger.Warn("event connection down too long, reselecting",
				"channel", cur.candidate.Channel.Login)
			e.stopWatching("reconnect timeout")
			e.mu.Lock()
			e.state = StateSelecting
			e.mu.Unlock()
			e.requestReeval()
		}
		return
	}

	err := e.watcher.SendMinuteWatched(ctx, cur.target)
	if twitch.IsAuth(err) {
		// Revalidate once and retry once before giving the channel up.
		if _, rerr := e.store.Refresh(ctx); rerr != nil {
			e.logger.Error("heartbeat rejected, credential invalid", "error", rerr)
			e.stopWatching("auth expired")
			e.setState(StateIdle)
			return
		}
		err = e.watcher.SendMinuteWatched(ctx, cur.target)
		if twitch.IsAuth(err) {
			e.logger.Error("heartbeat rejected after revalidation", "error", err)
			e.stopWatching("auth expired")
			e.setState(StateIdle)
			return
		}
	}
	if err == nil {
		e.mu.Lock()
		if e.current == cur {
			cur.failures = 0
		}
		e.mu.Unlock()
		// Touching the playlist alongside the pulse keeps the session warm.
		if perr := e.watcher.TouchPlaylist(ctx, cur.target); perr != nil {
			e.logger.Debug("playlist touch failed", "error", perr)
		}
		return
	}
	e.mu.Lock()
	if e.current != cur {
		e.mu.Unlock()
		return
	}
	cur.failures++
	failures := cur.failures
	e.mu.Unlock()

	e.logger.Warn("heartbeat failed", "channel", cur.candidate.Channel.Login,
		"failures", failures, "threshold", cfg.Watch.FailureThreshold, "error", err)

	if failures >= cfg.Watch.FailureThreshold {
		e.stopWatching("heartbeat failure threshold")
		e.benchGame(cur.candidate.Campaign.GameName)
		e.requestReeval()
	}
}
