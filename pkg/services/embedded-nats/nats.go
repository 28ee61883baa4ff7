package embeddednats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Config for the in-process broker the NATS push transport can attach to.
// Port -1 picks a random free port.
type Config struct {
	Host         string
	Port         int
	MaxPayload   int32
	ReadyTimeout time.Duration
	Debug        bool
}

type EmbeddedNATS struct {
	server *server.Server
	nc     *nats.Conn
	config *Config
}

func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         4222,
		MaxPayload:   1024 * 1024, // 1MB
		ReadyTimeout: 10 * time.Second,
	}
}

func New(cfg *Config) (*EmbeddedNATS, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}

	return &EmbeddedNATS{config: cfg}, nil
}

func (en *EmbeddedNATS) Start() error {
	opts := &server.Options{
		Host:       en.config.Host,
		Port:       en.config.Port,
		MaxPayload: en.config.MaxPayload,
		NoSigs:     true,
		NoLog:      !en.config.Debug,
		Debug:      en.config.Debug,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}

	if en.config.Debug {
		ns.ConfigureLogger()
	}

	go ns.Start()

	if !ns.ReadyForConnections(en.config.ReadyTimeout) {
		ns.Shutdown()
		return fmt.Errorf("NATS server not ready for connections")
	}

	en.server = ns

	if err := en.connect(); err != nil {
		ns.Shutdown()
		return fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	log.Printf("[EmbeddedNATS] server started at %s", ns.ClientURL())
	return nil
}

func (en *EmbeddedNATS) connect() error {
	nc, err := nats.Connect(en.server.ClientURL(),
		nats.Name("warehouse-overwatch-embedded"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Printf("[EmbeddedNATS] error: %v", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[EmbeddedNATS] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("[EmbeddedNATS] reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	en.nc = nc
	return nil
}

// ClientURL is the URL push transports dial.
func (en *EmbeddedNATS) ClientURL() string {
	if en.server == nil {
		return ""
	}
	return en.server.ClientURL()
}

// Publish sends v as a JSON push envelope of the given event type.
func (en *EmbeddedNATS) Publish(subject, eventType string, v any) error {
	if en.nc == nil {
		return fmt.Errorf("NATS connection not initialized")
	}
	data, err := json.Marshal(map[string]any{"type": eventType, "data": v})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	if err := en.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (en *EmbeddedNATS) Flush(ctx context.Context) error {
	if en.nc == nil {
		return fmt.Errorf("NATS connection not initialized")
	}
	return en.nc.FlushWithContext(ctx)
}

func (en *EmbeddedNATS) Shutdown(ctx context.Context) error {
	if en.nc != nil {
		en.nc.Close()
	}

	if en.server != nil {
		en.server.Shutdown()
		done := make(chan struct{})
		go func() {
			en.server.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("NATS server shutdown: %w", ctx.Err())
		}
	}

	return nil
}

func (en *EmbeddedNATS) HealthCheck() error {
	if en.nc == nil {
		return fmt.Errorf("NATS connection not initialized")
	}

	if !en.nc.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}

	if en.server != nil && !en.server.Running() {
		return fmt.Errorf("NATS server not running")
	}

	return nil
}
