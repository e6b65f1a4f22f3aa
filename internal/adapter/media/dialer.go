package media

import (
	"context"
	"log/slog"

	"voxhall/internal/domain"
	"voxhall/internal/infra/config"
)

// Dialer mints one Client per agent-room binding.
type Dialer struct {
	cfg    config.MediaConfig
	logger *slog.Logger

	// OnDown receives the teardown notification of every client it dialed.
	// The manager uses it to detach the owning agent.
	OnDown func(client domain.MediaRoomClient, cause error)
}

// NewDialer creates a dialer from the media server config.
func NewDialer(cfg config.MediaConfig, logger *slog.Logger) *Dialer {
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial implements domain.MediaDialer.
func (d *Dialer) Dial(_ context.Context) (domain.MediaRoomClient, error) {
	if d.cfg.URL == "" {
		return nil, domain.NewDomainError("media.dial", domain.ErrProviderUnavailable, "no media server configured")
	}

	var client *Client
	client = NewClient(Options{
		URL:    d.cfg.URL,
		Config: d.cfg,
		Logger: d.logger,
		OnDown: func(cause error) {
			if d.OnDown != nil {
				d.OnDown(client, cause)
			}
		},
	})
	return client, nil
}

var _ domain.MediaDialer = (*Dialer)(nil)
