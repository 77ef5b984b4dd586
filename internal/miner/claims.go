package miner

import (
	"context"
	"fmt"

	"github.com/marcin-skalski/drops-miner/internal/tui"
)

// claimAsync claims one drop off the scheduler goroutine. The model's
// claim-state transition makes concurrent attempts on the same drop
// harmless: only the first caller passes BeginClaim.
func (e *Engine) claimAsync(ctx context.Context, dropID string) {
	e.mu.Lock()
	if e.claiming[dropID] {
		e.mu.Unlock()
		return
	}
	e.claiming[dropID] = true
	e.mu.Unlock()

	e.claimWG.Add(1)
	go func() {
		defer e.claimWG.Done()
		defer func() {
			e.mu.Lock()
			delete(e.claiming, dropID)
			e.mu.Unlock()
		}()
		e.claim(ctx, dropID)
	}()
}

func (e *Engine) claim(ctx context.Context, dropID string) {
	if !e.model.BeginClaim(dropID) {
		return
	}

	var instanceID, name, game string
	for _, c := range e.model.Snapshot() {
		for _, drop := range c.Drops {
			if drop.ID == dropID {
				instanceID = drop.InstanceID
				name = drop.Name
				game = c.GameName
			}
		}
	}
	if instanceID == "" {
		e.model.FinishClaim(dropID, false)
		return
	}

	err := e.gql.ClaimDrop(ctx, instanceID)
	if err != nil {
		e.logger.Error("claim failed", "drop", dropID, "error", err)
		e.model.FinishClaim(dropID, false)
		return
	}

	e.model.FinishClaim(dropID, true)
	e.logger.Info("drop claimed", "drop", dropID, "name", name, "game", game)

	e.mu.Lock()
	e.claimed = append(e.claimed, tui.ClaimedDrop{Name: name, Game: game, At: e.now()})
	if len(e.claimed) > 20 {
		e.claimed = e.claimed[len(e.claimed)-20:]
	}
	e.mu.Unlock()

	e.notify(Notification{
		Title: "Drop claimed",
		Body:  fmt.Sprintf("%s (%s)", name, game),
	})
	// The claimed drop may have been the last one worth watching for.
	e.requestReeval()
}

// sweepClaims claims everything claimable in the model. It backstops the
// push path: a drop whose ready event got lost still gets claimed on the
// next sweep.
func (e *Engine) sweepClaims(ctx context.Context) {
	for _, d := range e.model.ClaimableDrops() {
		e.claimAsync(ctx, d.ID)
	}
}
