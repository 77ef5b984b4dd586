package campaign

import (
	"log/slog"
	"sort"
	"sync"
)

// Model is the single shared view of campaigns and channels. All methods are
// safe for concurrent use; reads return copies so callers never hold live
// references into the model.
type Model struct {
	logger *slog.Logger

	mu        sync.Mutex
	seq       uint64
	campaigns map[string]*Campaign
	channels  map[string]*Channel
	priority  PriorityConfig
}

// NewModel creates an empty model.
func NewModel(logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		logger:    logger.With("component", "campaign"),
		campaigns: make(map[string]*Campaign),
		channels:  make(map[string]*Channel),
	}
}

// SetPriority replaces the game ordering.
func (m *Model) SetPriority(p PriorityConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority = p
}

// Priority returns the current game ordering.
func (m *Model) Priority() PriorityConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priority
}

// ApplySync merges a polled snapshot tagged with the sequence number the
// caller took before issuing the request. Stale snapshots (seq older than
// the newest applied) are dropped whole, so a slow response can never
// overwrite fresher push data. Within a fresh snapshot, per-drop progress
// and claim state still only move forward.
func (m *Model) ApplySync(seq uint64, campaigns []Campaign) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// SyncSeq hands out m.seq+1, so seq == m.seq means an event landed while
	// the poll was in flight; that poll is stale too.
	if seq <= m.seq {
		m.logger.Debug("dropping stale sync", "seq", seq, "current", m.seq)
		return false
	}

	seen := make(map[string]bool, len(campaigns))
	for i := range campaigns {
		in := campaigns[i]
		seen[in.ID] = true
		cur, ok := m.campaigns[in.ID]
		if !ok {
			c := in
			c.Drops = append([]Drop(nil), in.Drops...)
			m.campaigns[in.ID] = &c
			continue
		}
		mergeCampaign(cur, in)
	}
	// Campaigns absent from the snapshot have ended server-side.
	for id, c := range m.campaigns {
		if !seen[id] {
			c.Status = StatusExpired
		}
	}
	m.seq = seq
	return true
}

// SyncSeq returns the next sequence number to tag a poll with. Take it
// before issuing the request so the reply can be ordered against pushes
// that arrive while it is in flight.
func (m *Model) SyncSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq + 1
}

func mergeCampaign(cur *Campaign, in Campaign) {
	cur.Name = in.Name
	cur.GameID = in.GameID
	cur.GameName = in.GameName
	cur.StartsAt = in.StartsAt
	cur.EndsAt = in.EndsAt
	cur.AccountLinked = in.AccountLinked
	if in.Status > cur.Status {
		cur.Status = in.Status
	}

	byID := make(map[string]int, len(cur.Drops))
	for i, d := range cur.Drops {
		byID[d.ID] = i
	}
	for _, nd := range in.Drops {
		i, ok := byID[nd.ID]
		if !ok {
			cur.Drops = append(cur.Drops, nd)
			continue
		}
		mergeDrop(&cur.Drops[i], nd)
	}
}

// mergeDrop folds polled drop state into the current one. Progress never
// regresses and claim state never moves backwards; Claiming is left alone so
// an in-flight claim cannot be disturbed by a poll.
func mergeDrop(cur *Drop, in Drop) {
	cur.Name = in.Name
	cur.RequiredMinutes = in.RequiredMinutes
	if in.ProgressMinutes > cur.ProgressMinutes {
		cur.ProgressMinutes = in.ProgressMinutes
	}
	if in.InstanceID != "" {
		cur.InstanceID = in.InstanceID
	}
	if cur.Claim == ClaimClaiming {
		return
	}
	if in.Claim > cur.Claim {
		cur.Claim = in.Claim
	}
	if cur.Claim == ClaimUnclaimed && cur.Complete() && cur.InstanceID != "" {
		cur.Claim = ClaimClaimable
	}
}

// ApplyEvent folds a push event into the model. Events bump the sequence so
// any poll already in flight when the event arrived is considered stale.
func (m *Model) ApplyEvent(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++

	switch ev.Kind {
	case EventProgress:
		if d := m.findDrop(ev.DropID); d != nil {
			if ev.Minutes > d.ProgressMinutes {
				d.ProgressMinutes = ev.Minutes
			}
			if d.Claim == ClaimUnclaimed && d.Complete() && d.InstanceID != "" {
				d.Claim = ClaimClaimable
			}
		}
	case EventDropReady:
		if d := m.findDrop(ev.DropID); d != nil {
			if ev.InstanceID != "" {
				d.InstanceID = ev.InstanceID
			}
			if d.Claim == ClaimUnclaimed {
				d.Claim = ClaimClaimable
			}
		}
	case EventClaimed:
		if d := m.findDrop(ev.DropID); d != nil {
			d.Claim = ClaimClaimed
			if d.ProgressMinutes < d.RequiredMinutes {
				d.ProgressMinutes = d.RequiredMinutes
			}
		}
	case EventStreamUp:
		if ch, ok := m.channels[ev.ChannelID]; ok {
			ch.Online = true
		}
	case EventStreamDown:
		if ch, ok := m.channels[ev.ChannelID]; ok {
			ch.Online = false
		}
	}
}

func (m *Model) findDrop(dropID string) *Drop {
	for _, c := range m.campaigns {
		for i := range c.Drops {
			if c.Drops[i].ID == dropID {
				return &c.Drops[i]
			}
		}
	}
	return nil
}

// SetChannels replaces the live-channel directory for a game. Channel online
// state learned from pushes is preserved for channels that survive.
func (m *Model) SetChannels(game string, channels []Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := make(map[string]*Channel)
	for id, ch := range m.channels {
		if ch.GameName == game {
			prev[id] = ch
			delete(m.channels, id)
		}
	}
	for i := range channels {
		ch := channels[i]
		// The directory lags stream state; a push that marked the channel
		// offline outranks it until the next stream-up.
		if old, ok := prev[ch.ID]; ok && !old.Online {
			ch.Online = false
		}
		m.channels[ch.ID] = &ch
	}
}

// Channel returns the channel with the given ID, if known.
func (m *Model) Channel(id string) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// ClaimableDrops lists drops ready to claim, with their campaign IDs.
func (m *Model) ClaimableDrops() []Drop {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Drop
	for _, c := range m.campaigns {
		for _, d := range c.Drops {
			if d.Claim == ClaimClaimable && d.InstanceID != "" {
				d.CampaignID = c.ID
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BeginClaim transitions a drop Claimable → Claiming. It returns false when
// the drop is gone, not claimable, or another claimer got there first, which
// makes concurrent claim attempts on the same drop mutually exclusive.
func (m *Model) BeginClaim(dropID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.findDrop(dropID)
	if d == nil || d.Claim != ClaimClaimable {
		return false
	}
	d.Claim = ClaimClaiming
	return true
}

// FinishClaim resolves a Claiming drop: claimed on success, back to
// claimable on failure so the sweep can retry it.
func (m *Model) FinishClaim(dropID string, claimed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.findDrop(dropID)
	if d == nil || d.Claim != ClaimClaiming {
		return
	}
	if claimed {
		d.Claim = ClaimClaimed
		if d.ProgressMinutes < d.RequiredMinutes {
			d.ProgressMinutes = d.RequiredMinutes
		}
	} else {
		d.Claim = ClaimClaimable
	}
}

// CandidatesFor ranks live channels that can still progress an active,
// account-linked campaign. Ordering is deterministic: priority index of the
// game ascending (unlisted games last), then remaining watch minutes
// ascending, then channel ID ascending. Excluded games never appear.
func (m *Model) CandidatesFor(p PriorityConfig) []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Candidate
	for _, c := range m.campaigns {
		if c.Status != StatusActive || !c.AccountLinked || !c.HasUnclaimedDrops() {
			continue
		}
		if p.IsExcluded(c.GameName) {
			continue
		}
		for _, ch := range m.channels {
			if !ch.Online || ch.GameName != c.GameName {
				continue
			}
			out = append(out, Candidate{Channel: *ch, Campaign: *c})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		pi, pj := p.Index(out[i].Campaign.GameName), p.Index(out[j].Campaign.GameName)
		if pi < 0 {
			pi = len(p.Games)
		}
		if pj < 0 {
			pj = len(p.Games)
		}
		if pi != pj {
			return pi < pj
		}
		ri, rj := out[i].Campaign.RemainingMinutes(), out[j].Campaign.RemainingMinutes()
		if ri != rj {
			return ri < rj
		}
		return out[i].Channel.ID < out[j].Channel.ID
	})
	return out
}

// Snapshot returns a deep copy of all campaigns, sorted by game then name.
func (m *Model) Snapshot() []Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		cp := *c
		cp.Drops = append([]Drop(nil), c.Drops...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GameName != out[j].GameName {
			return out[i].GameName < out[j].GameName
		}
		return out[i].Name < out[j].Name
	})
	return out
}
