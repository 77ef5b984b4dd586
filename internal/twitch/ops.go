package twitch

// gqlURL is the persisted-query endpoint.
const gqlURL = "https://gql.twitch.tv/gql"

// Operation is a persisted GraphQL query: the operation name plus the
// SHA256 hash the server uses to look up the query text.
type Operation struct {
	Name string
	Hash string
}

var (
	// All in-progress campaigns for the logged-in user.
	opInventory = Operation{"Inventory", "d86775d0ef16a63a33ad52e80eaff963b2d5b72fada7c991504a57496e1d8e4b"}
	// All available campaigns across games.
	opCampaigns = Operation{"ViewerDropsDashboard", "5a4da2ab3d5b47c9f9ce864e727b2cb346af1e3ea8b897fe8f704a97ff017619"}
	// Extended details for one campaign, including time-based drops.
	opCampaignDetails = Operation{"DropCampaignDetails", "039277bf98f3130929262cc7c6efd9c141ca3749cb6dca442fc8ead9a53f77c1"}
	// Drop progress for the channel currently being watched.
	opCurrentDrop = Operation{"DropCurrentSessionContext", "4d06b702d25d652afb9ef835d2a550031f1cf762b193523a92166f40ea3d142b"}
	// Claim a drop instance.
	opClaimDrop = Operation{"DropsPage_ClaimDropRewards", "a455deea71bdc9015b78eb49f4acfbce8baa7ccbedd28e549bb025bd0f751930"}
	// Drops advertised on a channel.
	opAvailableDrops = Operation{"DropsHighlightService_AvailableDrops", "9a62a09bce5b53e26e64a671e530bc599cb6aab1e5ba3cbd5d85966d3940716f"}
	// Stream playback access token, needed to touch the HLS playlist.
	opPlaybackAccessToken = Operation{"PlaybackAccessToken", "ed230aa1e33e07eebb8928504583da78a5173989fadfb1ac94be06a04f3cdbe9"}
	// Live channels for a game slug.
	opGameDirectory = Operation{"DirectoryPage_Game", "98a996c3c3ebb1ba4fd65d6671c6028d7ee8d615cb540b0731b3db2a911d3649"}
	// Stream info overlay, used to resolve broadcast IDs.
	opStreamInfo = Operation{"VideoPlayerStreamInfoOverlayChannel", "198492e0857f6aedead9665c81c5a06d67b25b58034649687124083ff288597d"}
	// Game name to directory slug.
	opSlugRedirect = Operation{"DirectoryGameRedirect", "1f0300090caceec51f33c5e20647aceff9017f740f223c3c532ba6fa59f6b6cc"}
)
