// Package campaign holds the in-memory model of drop campaigns, their drops
// and their eligible channels. It does no I/O: the protocol client feeds it
// polling snapshots, the pubsub consumer feeds it push events, and the
// scheduler reads it to decide what to watch and what to claim.
package campaign

import "time"

// Status of a campaign. Transitions are monotonic: Upcoming → Active →
// Expired, never backwards out of Expired.
type Status int

const (
	StatusUpcoming Status = iota
	StatusActive
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusUpcoming:
		return "upcoming"
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ClaimState of a drop. Claiming is entered only through Model.BeginClaim,
// which guarantees a single claimer per drop. Claimed is terminal.
type ClaimState int

const (
	ClaimUnclaimed ClaimState = iota
	ClaimClaimable
	ClaimClaiming
	ClaimClaimed
)

func (c ClaimState) String() string {
	switch c {
	case ClaimClaimable:
		return "claimable"
	case ClaimClaiming:
		return "claiming"
	case ClaimClaimed:
		return "claimed"
	default:
		return "unclaimed"
	}
}

// Drop is a single time-gated reward inside a campaign.
type Drop struct {
	ID              string
	CampaignID      string
	Name            string
	RequiredMinutes int
	ProgressMinutes int
	// InstanceID is the claimable instance handle, present once the platform
	// has materialized the drop for this user.
	InstanceID string
	Claim      ClaimState
}

// Complete reports whether the watch requirement is satisfied.
func (d Drop) Complete() bool {
	return d.RequiredMinutes > 0 && d.ProgressMinutes >= d.RequiredMinutes
}

// RemainingMinutes left to satisfy the requirement.
func (d Drop) RemainingMinutes() int {
	r := d.RequiredMinutes - d.ProgressMinutes
	if r < 0 {
		return 0
	}
	return r
}

// Campaign groups the drops of one game over an active time window.
type Campaign struct {
	ID            string
	Name          string
	GameID        string
	GameName      string
	Status        Status
	StartsAt      time.Time
	EndsAt        time.Time
	Drops         []Drop
	AccountLinked bool
}

// RemainingMinutes sums the unclaimed drops' outstanding watch time.
func (c Campaign) RemainingMinutes() int {
	total := 0
	for _, d := range c.Drops {
		if d.Claim == ClaimClaimed {
			continue
		}
		total += d.RemainingMinutes()
	}
	return total
}

// HasUnclaimedDrops reports whether any drop is still worth watching for.
func (c Campaign) HasUnclaimedDrops() bool {
	for _, d := range c.Drops {
		if d.Claim != ClaimClaimed {
			return true
		}
	}
	return false
}

// Channel is a live channel that can progress some campaign.
type Channel struct {
	ID       string
	Login    string
	GameName string
	Online   bool
	Viewers  int
}

// PriorityConfig is the user's ordering over games. It may change at any
// time; the scheduler re-evaluates immediately on change.
type PriorityConfig struct {
	Games    []string
	Excluded []string
}

// Index returns the priority position of a game, or -1 when not listed.
func (p PriorityConfig) Index(game string) int {
	for i, g := range p.Games {
		if g == game {
			return i
		}
	}
	return -1
}

// IsExcluded reports whether a game is excluded from mining.
func (p PriorityConfig) IsExcluded(game string) bool {
	for _, g := range p.Excluded {
		if g == game {
			return true
		}
	}
	return false
}

// Candidate pairs a live channel with the campaign it would progress.
type Candidate struct {
	Channel  Channel
	Campaign Campaign
}

// EventKind discriminates push events from the pubsub channel.
type EventKind int

const (
	// EventProgress reports new watch minutes for a drop.
	EventProgress EventKind = iota
	// EventDropReady reports a drop instance became claimable.
	EventDropReady
	// EventClaimed reports the platform confirmed a claim.
	EventClaimed
	// EventStreamUp reports a channel went live.
	EventStreamUp
	// EventStreamDown reports a channel went offline.
	EventStreamDown
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "drop-progress"
	case EventDropReady:
		return "drop-ready"
	case EventClaimed:
		return "drop-claimed"
	case EventStreamUp:
		return "stream-up"
	case EventStreamDown:
		return "stream-down"
	default:
		return "unknown"
	}
}

// Event is a decoded push event. Events always win over poll data for the
// fields they carry.
type Event struct {
	Kind       EventKind
	DropID     string
	InstanceID string
	Minutes    int
	ChannelID  string
}
