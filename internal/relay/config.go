// Package relay subscribes to Nostr relays over websockets and feeds
// moderation events (reports, labels, mute lists) to the engine.
package relay

import "time"

// DefaultRelays are public relays tried in rotation
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// Config holds configuration for the relay client
type Config struct {
	// Endpoints is a list of relay WebSocket URLs to connect to (with fallback rotation)
	Endpoints []string

	// HandshakeTimeout bounds the websocket dial
	HandshakeTimeout time.Duration

	// ReadTimeout is how long a connection may stay silent before it is
	// considered dead. Pings are sent at a third of this interval.
	ReadTimeout time.Duration

	// SinceRewind is subtracted from a resume cursor to cover clock skew
	// between relays
	SinceRewind time.Duration
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Endpoints:        DefaultRelays,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      90 * time.Second,
		SinceRewind:      5 * time.Second,
	}
}
