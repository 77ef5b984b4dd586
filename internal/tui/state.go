package tui

import "time"

type Snapshot struct {
	Timestamp time.Time
	State     string
	Login     string
	Connected bool
	Watching  *WatchState
	Campaigns []CampaignState
	Claimed   []ClaimedDrop
}

type WatchState struct {
	Channel         string
	Game            string
	Drop            string
	ProgressMinutes int
	RequiredMinutes int
	Elapsed         time.Duration
}

type CampaignState struct {
	Name             string
	Game             string
	Status           string // upcoming|active|expired
	AccountLinked    bool
	DropsClaimed     int
	DropsTotal       int
	RemainingMinutes int
}

type ClaimedDrop struct {
	Name string
	Game string
	At   time.Time
}
