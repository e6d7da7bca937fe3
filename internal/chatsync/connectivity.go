package chatsync

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"time"
)

// ConnectivitySource reports whether the network is usable.
type ConnectivitySource interface {
	Online() bool
	Watch() *Feed[bool]
}

// probeTimeout bounds a single reachability check.
const probeTimeout = 5 * time.Second

// Prober decides connectivity by periodically opening a TCP connection
// to the chat host.
type Prober struct {
	addr     string
	interval time.Duration
	logger   *slog.Logger
	value    *Observable[bool]
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewProber returns a Prober for the host of rawURL. It starts offline
// until the first probe succeeds.
func NewProber(rawURL string, interval time.Duration, logger *slog.Logger) (*Prober, error) {
	addr, err := hostPort(rawURL)
	if err != nil {
		return nil, err
	}

	d := &net.Dialer{}

	return &Prober{
		addr:     addr,
		interval: interval,
		logger:   logger,
		value:    NewObservable(false),
		dial:     d.DialContext,
	}, nil
}

// Online returns the last probe result.
func (p *Prober) Online() bool {
	return p.value.Get()
}

// Watch returns a feed of connectivity values, starting with the
// current one.
func (p *Prober) Watch() *Feed[bool] {
	return p.value.Watch()
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.probe(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	online := err == nil

	if conn != nil {
		conn.Close()
	}

	if online != p.value.Get() {
		p.logger.Info("connectivity changed", slog.Bool("online", online), slog.String("addr", p.addr))
	}

	p.value.Set(online)
}

func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	if u.Port() != "" {
		return u.Host, nil
	}

	switch u.Scheme {
	case "wss", "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	default:
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
}

// AlwaysOnline is a ConnectivitySource that never goes offline.
type AlwaysOnline struct{}

// Online returns true.
func (AlwaysOnline) Online() bool { return true }

// Watch returns a feed that yields true once.
func (AlwaysOnline) Watch() *Feed[bool] {
	return NewObservable(true).Watch()
}
