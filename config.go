package perch

import (
	"log/slog"
	"time"
)

// ServerConfig contains configuration options for the submission server.
type ServerConfig struct {
	// Hostname is the server's hostname used in the greeting, Hello,
	// and closing replies. Required.
	Hostname string

	// Addr is the address to listen on (e.g., ":2525", "0.0.0.0:587").
	// Default: ":2525"
	Addr string

	// Handlers contains the hook handlers shared by all sessions.
	// Handlers must be safe for concurrent invocation from multiple
	// sessions.
	Handlers Handlers

	// ---- Resource Limits ----

	// MaxBodySize is the maximum buffered message body in bytes
	// (0 = unlimited). Oversized bodies are refused with 552.
	MaxBodySize int64

	// MaxConnections is the maximum concurrent connections (0 = unlimited).
	MaxConnections int

	// MaxLineLength is the maximum length of a command line (RFC 5321: 512).
	// Default: 512
	MaxLineLength int

	// ---- Timeouts ----

	// ReadTimeout is the timeout for reading from the client.
	// Default: 5 minutes
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for writing a reply.
	// Default: 5 minutes
	WriteTimeout time.Duration

	// ---- Logging ----

	// Logger is the structured logger for the server.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns a ServerConfig with sensible defaults.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Addr:          ":2525",
		ReadTimeout:   5 * time.Minute,
		WriteTimeout:  5 * time.Minute,
		MaxLineLength: 512,
		Logger:        slog.Default(),
	}
}
