package relay

import (
	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"

	"go.uber.org/zap"
)

// Pool owns the two long-lived handles, one per role. Both share the same
// channel profile. The host handle publishes and subscribes; the audience
// handle only subscribes and rejects Publish with domain.ErrNotPublisher.
type Pool struct {
	host     *Client
	audience *Client
}

var _ ports.ClientPool = (*Pool)(nil)

func NewPool(config Config, logger *zap.SugaredLogger) *Pool {
	if config.Mode == "" {
		config.Mode = "live"
	}
	if config.Codec == "" {
		config.Codec = "vp8"
	}

	logger.Infow("relay pool created",
		"url", config.URL,
		"mode", config.Mode,
		"codec", config.Codec,
	)

	return &Pool{
		host:     NewClient(domain.RoleHost, config, logger),
		audience: NewClient(domain.RoleAudience, config, logger),
	}
}

// For returns the handle for role, or nil for an unknown role.
func (p *Pool) For(role domain.Role) ports.RelayClient {
	if c := p.Client(role); c != nil {
		return c
	}
	return nil
}

// Client is For without the interface conversion.
func (p *Pool) Client(role domain.Role) *Client {
	switch role {
	case domain.RoleHost:
		return p.host
	case domain.RoleAudience:
		return p.audience
	default:
		return nil
	}
}

func (p *Pool) All() []ports.RelayClient {
	return []ports.RelayClient{p.host, p.audience}
}
