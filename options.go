package rediscope

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/rediscope/rediscope/tunnel"
)

// config holds the configuration for a Client
type config struct {
	// Server connection settings
	addr     string
	name     string
	password string
	database int

	// TLS settings
	tlsConfig *tls.Config

	// SSH tunnel settings
	ssh *tunnel.Config

	// Timeouts
	connectTimeout time.Duration
	commandTimeout time.Duration

	// Observability
	logger Logger
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		addr:           "localhost:6379",
		connectTimeout: 5 * time.Second,
		commandTimeout: 30 * time.Second,
		logger:         &defaultLogger{},
	}
}

// Option represents a configuration option for a Client
type Option func(*config) error

// WithAddr sets the Redis server address
//
// Example:
//
//	WithAddr("redis.example.com:6379")
func WithAddr(addr string) Option {
	return func(c *config) error {
		if addr == "" {
			return ErrInvalidConfig
		}
		c.addr = addr
		return nil
	}
}

// WithName sets a display name for the connection
func WithName(name string) Option {
	return func(c *config) error {
		c.name = name
		return nil
	}
}

// WithAuth sets the authentication password
//
// Example:
//
//	WithAuth("mypassword")
func WithAuth(password string) Option {
	return func(c *config) error {
		c.password = password
		return nil
	}
}

// WithDatabase selects a logical database index for the connection
//
// Example:
//
//	WithDatabase(3)
func WithDatabase(db int) Option {
	return func(c *config) error {
		if db < 0 || db > 15 {
			return ErrInvalidConfig
		}
		c.database = db
		return nil
	}
}

// WithConnectTimeout sets the connection establishment timeout
//
// Example:
//
//	WithConnectTimeout(10 * time.Second)
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithCommandTimeout bounds how long a single command may stay pending
// before its caller is released with a timeout error. Zero disables
// per-command timeouts.
//
// Example:
//
//	WithCommandTimeout(30 * time.Second)
func WithCommandTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidConfig
		}
		c.commandTimeout = timeout
		return nil
	}
}

// WithTLS configures TLS for the server connection
//
// Example:
//
//	config := &tls.Config{
//	  ServerName: "redis.example.com",
//	}
//	WithTLS(config)
func WithTLS(tlsConfig *tls.Config) Option {
	return func(c *config) error {
		c.tlsConfig = tlsConfig
		return nil
	}
}

// WithTLSMaterial configures TLS from PEM material: an optional CA
// bundle, an optional client certificate/key pair, and a flag that
// skips peer certificate verification.
//
// Example:
//
//	WithTLSMaterial(caPEM, certPEM, keyPEM, false)
func WithTLSMaterial(caPEM, certPEM, keyPEM []byte, skipVerify bool) Option {
	return func(c *config) error {
		tlsConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: skipVerify,
		}

		if len(caPEM) > 0 {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return ErrInvalidConfig
			}
			tlsConfig.RootCAs = pool
		}

		if len(certPEM) > 0 || len(keyPEM) > 0 {
			cert, err := tls.X509KeyPair(certPEM, keyPEM)
			if err != nil {
				return ErrInvalidConfig
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		c.tlsConfig = tlsConfig
		return nil
	}
}

// WithSecureTLS configures TLS with secure defaults, enforcing
// certificate verification against the system roots.
//
// Example:
//
//	WithSecureTLS("redis.example.com")
func WithSecureTLS(serverName string) Option {
	return func(c *config) error {
		if serverName == "" {
			return ErrInvalidConfig
		}
		c.tlsConfig = &tls.Config{
			ServerName: serverName,
			MinVersion: tls.VersionTLS12,
		}
		return nil
	}
}

// WithSSHTunnel routes the connection through an SSH tunnel. The
// transport then connects to the tunnel's local listener instead of
// the server address directly.
//
// Example:
//
//	WithSSHTunnel(tunnel.Config{
//	  Host: "bastion.example.com", Port: 22,
//	  User: "deploy", PrivateKey: keyPEM,
//	})
func WithSSHTunnel(cfg tunnel.Config) Option {
	return func(c *config) error {
		if cfg.Host == "" || cfg.User == "" {
			return ErrInvalidConfig
		}
		ssh := cfg
		c.ssh = &ssh
		return nil
	}
}

// WithLogger sets a custom logger for the client
//
// Example:
//
//	WithLogger(myCustomLogger)
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}
