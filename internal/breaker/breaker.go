// Package breaker wraps metadata.Provider with a circuit breaker so a
// struggling provider stops being hammered with resolve/expand calls
// across many concurrently-scheduled jobs.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	apperr "github.com/deemusic/core/internal/errors"
	"github.com/deemusic/core/internal/metadata"
)

// Config tunes the breaker's trip and recovery behavior.
type Config struct {
	Name             string
	MaxRequests      uint32        // requests allowed in half-open state
	Interval         time.Duration // cyclic counter reset period in closed state
	Timeout          time.Duration // time the breaker stays open before probing
	ConsecutiveTrips uint32        // consecutive failures that trip the breaker
}

// DefaultConfig matches the scheduler's transient-retry cadence: three
// attempts before a job is considered failed, so the breaker trips a
// little more patiently than any single job's retry budget.
func DefaultConfig() Config {
	return Config{
		Name:             "metadata-provider",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		ConsecutiveTrips: 5,
	}
}

// Provider wraps a metadata.Provider, routing every call through a
// gobreaker.CircuitBreaker.
type Provider struct {
	inner metadata.Provider
	cb    *gobreaker.CircuitBreaker
}

// New wraps inner with a circuit breaker configured by cfg.
func New(inner metadata.Provider, cfg Config) *Provider {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveTrips
		},
	}
	return &Provider{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func translate(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperr.NewWithCode("Breaker", apperr.ErrNetwork, apperr.CodeNetwork, "metadata provider circuit open")
	}
	return err
}

func (p *Provider) ResolveDownloadURL(ctx context.Context, trackID, quality string) (metadata.ResolvedDownload, error) {
	result, err := p.cb.Execute(func() (interface{}, error) {
		return p.inner.ResolveDownloadURL(ctx, trackID, quality)
	})
	if err != nil {
		return metadata.ResolvedDownload{}, translate(err)
	}
	return result.(metadata.ResolvedDownload), nil
}

func (p *Provider) GetTrackMetadata(ctx context.Context, trackID string) (metadata.TagSet, error) {
	result, err := p.cb.Execute(func() (interface{}, error) {
		return p.inner.GetTrackMetadata(ctx, trackID)
	})
	if err != nil {
		return metadata.TagSet{}, translate(err)
	}
	return result.(metadata.TagSet), nil
}

func (p *Provider) ExpandAlbum(ctx context.Context, albumID string) ([]string, error) {
	result, err := p.cb.Execute(func() (interface{}, error) {
		return p.inner.ExpandAlbum(ctx, albumID)
	})
	if err != nil {
		return nil, translate(err)
	}
	return result.([]string), nil
}

func (p *Provider) ExpandPlaylist(ctx context.Context, playlistID string) ([]string, error) {
	result, err := p.cb.Execute(func() (interface{}, error) {
		return p.inner.ExpandPlaylist(ctx, playlistID)
	})
	if err != nil {
		return nil, translate(err)
	}
	return result.([]string), nil
}

// State reports the breaker's current state, for health endpoints.
func (p *Provider) State() gobreaker.State {
	return p.cb.State()
}
