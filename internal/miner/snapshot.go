package miner

import (
	"github.com/marcin-skalski/drops-miner/internal/campaign"
	"github.com/marcin-skalski/drops-miner/internal/tui"
)

// GetSnapshot assembles the dashboard view of the engine. Everything is
// copied; the TUI never sees live state.
func (e *Engine) GetSnapshot() tui.Snapshot {
	e.mu.Lock()
	state := e.state
	cur := e.current
	connected := e.connected
	claimed := append([]tui.ClaimedDrop(nil), e.claimed...)
	now := e.now()
	e.mu.Unlock()

	snap := tui.Snapshot{
		Timestamp: now,
		State:     stateString(state),
		Connected: connected,
		Claimed:   claimed,
	}
	if cred, err := e.store.Acquire(); err == nil {
		snap.Login = cred.Login
	}

	if cur != nil {
		ws := &tui.WatchState{
			Channel: cur.candidate.Channel.Login,
			Game:    cur.candidate.Campaign.GameName,
			Elapsed: now.Sub(cur.started),
		}
		// Show the drop closest to completion for the watched campaign.
		for _, c := range e.model.Snapshot() {
			if c.ID != cur.candidate.Campaign.ID {
				continue
			}
			for _, d := range c.Drops {
				if d.Claim == campaign.ClaimClaimed {
					continue
				}
				if ws.RequiredMinutes == 0 || d.RemainingMinutes() < ws.RequiredMinutes-ws.ProgressMinutes {
					ws.Drop = d.Name
					ws.ProgressMinutes = d.ProgressMinutes
					ws.RequiredMinutes = d.RequiredMinutes
				}
			}
		}
		snap.Watching = ws
	}

	for _, c := range e.model.Snapshot() {
		cs := tui.CampaignState{
			Name:             c.Name,
			Game:             c.GameName,
			Status:           c.Status.String(),
			AccountLinked:    c.AccountLinked,
			DropsTotal:       len(c.Drops),
			RemainingMinutes: c.RemainingMinutes(),
		}
		for _, d := range c.Drops {
			if d.Claim == campaign.ClaimClaimed {
				cs.DropsClaimed++
			}
		}
		snap.Campaigns = append(snap.Campaigns, cs)
	}
	return snap
}
