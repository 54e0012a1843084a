package config

import (
	"sync/atomic"
	"time"
)

// Config defines behavior and resource limits for a download.
type Config struct {
	// DownloadDir is the directory the output file is created in.
	DownloadDir string

	// Port is the TCP port reported to the tracker. The client does not
	// accept inbound connections; the value is announce metadata only.
	Port uint16

	// NumWant is the maximum number of peers to request from the tracker.
	// 0 uses the tracker default.
	NumWant uint32

	// RequestSize is the block length used for piece requests. The last
	// block of the last piece may be shorter.
	RequestSize int

	// MaxInflightPerPeer caps outstanding block requests per connection.
	MaxInflightPerPeer int

	// ConnectTimeout bounds the TCP dial to a peer.
	ConnectTimeout time.Duration

	// ReadIdleTimeout disconnects a peer after this much silence.
	// Keep-alives reset the clock.
	ReadIdleTimeout time.Duration

	// KeepAliveInterval is a keep-alive send interval. No component reads
	// it: the client does not send keep-alive frames.
	KeepAliveInterval time.Duration

	// MaxPeerRetries is the per-peer download attempt budget; only failed
	// attempts consume it.
	MaxPeerRetries int

	// RetryInitialDelay and RetryMaxDelay bound the per-peer reconnect
	// backoff.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// ClientIDPrefix is the leading 8 bytes of the generated peer ID,
	// Azureus-style.
	ClientIDPrefix string
}

func defaultConfig() Config {
	return Config{
		DownloadDir:        ".",
		Port:               6881,
		NumWant:            50,
		RequestSize:        1 << 14,
		MaxInflightPerPeer: 1,
		ConnectTimeout:     10 * time.Second,
		ReadIdleTimeout:    30 * time.Second,
		KeepAliveInterval:  2 * time.Minute,
		MaxPeerRetries:     5,
		RetryInitialDelay:  250 * time.Millisecond,
		RetryMaxDelay:      5 * time.Second,
		ClientIDPrefix:     "-BW0001-",
	}
}

var cfg atomic.Value

func Init() {
	c := defaultConfig()
	cfg.Store(&c)
}

// Load returns the current config (treat as read-only). Init must have been
// called first.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies a mutation on a copy and swaps it atomically.
func Update(mut func(*Config)) *Config {
	next := *Load()
	mut(&next)
	cfg.Store(&next)
	return &next
}
