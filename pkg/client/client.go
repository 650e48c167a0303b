package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/protocol"
	"github.com/cuemby/attune/pkg/security"
	"github.com/cuemby/attune/pkg/transport"
	"github.com/cuemby/attune/pkg/types"
	"github.com/google/uuid"
)

// Config holds client configuration
type Config struct {
	BrokerAddr  string
	AuthToken   string
	Compression protocol.CompressionTag
	TLS         *tls.Config
}

// ConfigFrom builds a client Config from the application configuration.
func ConfigFrom(cfg *config.Config) (Config, error) {
	tag, err := protocol.ParseCompressionTag(cfg.Cluster.Compression)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	var tlsCfg *tls.Config
	if cfg.Cluster.CertDir != "" {
		if tlsCfg, err = security.ClientTLSConfig(cfg.Cluster.CertDir); err != nil {
			return Config{}, err
		}
	}
	return Config{
		BrokerAddr:  cfg.Agent.BrokerAddr,
		AuthToken:   cfg.Cluster.AuthToken,
		Compression: tag,
		TLS:         tlsCfg,
	}, nil
}

// Client talks to the broker on behalf of processes that are not nodes.
// It holds no connection: every call opens its own short-lived stream, so
// a Client may be used from any number of goroutines.
type Client struct {
	cfg   Config
	codec protocol.Codec
}

// New creates a client for the broker at cfg.BrokerAddr.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, codec: protocol.Codec{Compression: cfg.Compression}}
}

// PublishAction sends one action for the broker to broadcast. It returns
// once the broker has consumed the frame and ended the stream, or when ctx
// expires.
func (c *Client) PublishAction(ctx context.Context, action types.Action) error {
	data, err := c.codec.Encode(protocol.NewAction(types.UnixSeconds(time.Now()), action))
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	d, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Send(data); err != nil {
		return fmt.Errorf("failed to publish action %d: %w", action.ID, err)
	}
	if err := d.CloseSend(); err != nil {
		return fmt.Errorf("failed to publish action %d: %w", action.ID, err)
	}

	// The broker ends the stream after reading our half-close.
	for {
		select {
		case _, ok := <-d.Recv():
			if !ok {
				if err := d.Err(); err != nil {
					return fmt.Errorf("%w: %v", transport.ErrConnectivity, err)
				}
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("publish action %d: %w", action.ID, ctx.Err())
		}
	}
}

// Status asks the broker for its health report.
func (c *Client) Status(ctx context.Context) (string, error) {
	data, err := c.codec.Encode(protocol.NewStatus(types.UnixSeconds(time.Now()), ""))
	if err != nil {
		return "", fmt.Errorf("failed to encode status query: %w", err)
	}

	d, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer d.Close()

	if err := d.Send(data); err != nil {
		return "", fmt.Errorf("failed to query status: %w", err)
	}

	for {
		select {
		case reply, ok := <-d.Recv():
			if !ok {
				return "", fmt.Errorf("%w: stream ended before status reply: %v", transport.ErrConnectivity, d.Err())
			}
			frame, err := c.codec.Decode(reply)
			if err != nil {
				return "", err
			}
			// Heartbeats are only sent to nodes, but skip anything that is
			// not the reply.
			if frame.IsCommand(protocol.CommandStatus) {
				return frame.Text, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("status: %w", ctx.Err())
		}
	}
}

func (c *Client) dial(ctx context.Context) (*transport.Dealer, error) {
	return transport.Dial(ctx, transport.DealerConfig{
		Addr:      c.cfg.BrokerAddr,
		Identity:  "publisher-" + uuid.NewString(),
		AuthToken: c.cfg.AuthToken,
		QueueSize: 4,
		TLS:       c.cfg.TLS,
	})
}
