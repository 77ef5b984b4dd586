package auth

// ClientInfo identifies the engine to the platform. Drops endpoints behave
// differently per client type; the Android app identity skips integrity
// checks, so it is the default for everything the miner does.
type ClientInfo struct {
	ClientURL string
	ClientID  string
	UserAgent string
}

var (
	// ClientWeb is the desktop browser identity. Kept for spade URL scraping,
	// which only works against the web channel page.
	ClientWeb = ClientInfo{
		ClientURL: "https://www.twitch.tv",
		ClientID:  "kimne78kx3ncx6brgo4mv6wki5h1ko",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
	}

	// ClientAndroidApp is the default identity for GQL and auth traffic.
	ClientAndroidApp = ClientInfo{
		ClientURL: "https://www.twitch.tv",
		ClientID:  "kd1unb4b3q4t58fwlpcbzcbnm76a8fp",
		UserAgent: "Dalvik/2.1.0 (Linux; U; Android 16; SM-S911B Build/TP1A.220624.014) tv.twitch.android.app/25.3.0/2503006",
	}
)
