// Package services – SubscriptionService
//
// This file implements the SubscriptionService, which owns the lifecycle of
// the Drive push channel: bootstrap on first run, periodic renewal before the
// channel expires, and teardown of the superseded channel. The subscription
// row is a singleton; renewal swaps its channel fields with a conditional
// update so two overlapping renewals cannot both win.
//
// Renewal is driven by Tick, which is designed to run on a timer and to be
// cheap when nothing needs doing. A failed renewal marks the row failed and
// escalates log severity as the remaining channel lifetime shrinks, but the
// expiry timestamp is never touched so the next Tick still knows the truth.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-call-backend/internal/config"
	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/drive"
	"github.com/tbourn/go-call-backend/internal/observability"
	"github.com/tbourn/go-call-backend/internal/repo"
)

// SubscriptionService registers and renews the Drive push channel.
type SubscriptionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Provider is the upstream Drive client.
	Provider drive.Provider
	// Cfg carries the watched folder, webhook address, and renewal tuning.
	Cfg config.DriveConfig
}

// NewSubscriptionService constructs a SubscriptionService.
func NewSubscriptionService(db *gorm.DB, p drive.Provider, cfg config.DriveConfig) *SubscriptionService {
	return &SubscriptionService{DB: db, Provider: p, Cfg: cfg}
}

// SubscriptionStatus is the read model returned by Status.
type SubscriptionStatus struct {
	ChannelID string    `json:"channel_id"`
	FolderID  string    `json:"folder_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	Remaining string    `json:"remaining"`
}

// Status reports the current channel registration, or
// ErrSubscriptionNotFound when bootstrap has not happened yet.
func (s *SubscriptionService) Status(ctx context.Context) (*SubscriptionStatus, error) {
	sub, err := repo.GetSubscription(ctx, s.DB)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &SubscriptionStatus{
		ChannelID: sub.ChannelID,
		FolderID:  sub.FolderID,
		Status:    sub.Status,
		ExpiresAt: sub.ExpiresAt,
		Remaining: time.Until(sub.ExpiresAt).Truncate(time.Second).String(),
	}, nil
}

// Tick is the renewal heartbeat. On first run it bootstraps: obtains a change
// cursor positioned at "now", registers a push channel, and persists the
// singleton row. On later runs it renews only when the channel has less than
// the configured threshold left. Safe to call from a timer at any frequency.
func (s *SubscriptionService) Tick(ctx context.Context) error {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "Tick")
	defer span.End()

	sub, err := repo.GetSubscription(ctx, s.DB)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return s.bootstrap(ctx)
		}
		return err
	}

	remaining := time.Until(sub.ExpiresAt)
	observability.SubscriptionExpirySeconds.Set(remaining.Seconds())

	if remaining > s.Cfg.RenewThreshold && sub.Status == domain.SubActive {
		log.Debug().
			Str("channel_id", sub.ChannelID).
			Dur("remaining", remaining).
			Msg("channel healthy, no renewal needed")
		return nil
	}
	return s.renew(ctx, sub)
}

// ForceRenew swaps the channel regardless of remaining lifetime. Used by the
// operations endpoint and CLI.
func (s *SubscriptionService) ForceRenew(ctx context.Context) error {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "ForceRenew")
	defer span.End()

	sub, err := repo.GetSubscription(ctx, s.DB)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return s.bootstrap(ctx)
		}
		return err
	}
	return s.renew(ctx, sub)
}

// bootstrap performs the first-ever registration: cursor first, channel
// second, row last. If the row insert loses a race the fresh channel is torn
// down again.
func (s *SubscriptionService) bootstrap(ctx context.Context) error {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "bootstrap",
		trace.WithAttributes(attribute.String("folder_id", s.Cfg.FolderID)))
	defer span.End()

	token, err := s.Provider.StartPageToken(ctx)
	if err != nil {
		return err
	}

	channelID := uuid.NewString()
	ch, err := s.Provider.Watch(ctx, s.Cfg.FolderID, channelID, s.Cfg.WebhookURL, s.Cfg.ChannelToken)
	if err != nil {
		observability.RenewalFailures.Inc()
		return err
	}

	sub := &domain.Subscription{
		ChannelID:  ch.ID,
		ResourceID: ch.ResourceID,
		FolderID:   s.Cfg.FolderID,
		ExpiresAt:  ch.ExpiresAt,
		Status:     domain.SubActive,
		PageToken:  token,
	}
	if err := repo.CreateSubscription(ctx, s.DB, sub); err != nil {
		// Another instance won bootstrap; this channel is redundant.
		_ = s.Provider.Stop(ctx, ch.ID, ch.ResourceID)
		return err
	}

	observability.SubscriptionExpirySeconds.Set(time.Until(ch.ExpiresAt).Seconds())
	log.Info().
		Str("channel_id", ch.ID).
		Time("expires_at", ch.ExpiresAt).
		Msg("drive push channel registered")
	return nil
}

// renew registers a replacement channel, swaps it into the row, and stops the
// old one. Registration failures mark the row failed; an unstoppable old
// channel is logged and ignored because it will expire on its own.
func (s *SubscriptionService) renew(ctx context.Context, sub *domain.Subscription) error {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "renew",
		trace.WithAttributes(attribute.String("channel_id", sub.ChannelID)))
	defer span.End()

	if err := repo.SetSubscriptionStatus(ctx, s.DB, domain.SubRenewing); err != nil {
		return err
	}

	channelID := uuid.NewString()
	ch, err := s.Provider.Watch(ctx, s.Cfg.FolderID, channelID, s.Cfg.WebhookURL, s.Cfg.ChannelToken)
	if err != nil {
		observability.RenewalFailures.Inc()
		if serr := repo.SetSubscriptionStatus(ctx, s.DB, domain.SubFailed); serr != nil {
			log.Error().Err(serr).Msg("mark subscription failed")
		}
		s.logRenewalFailure(sub, err)
		return err
	}

	if err := repo.SupersedeChannel(ctx, s.DB, sub.ChannelID, ch.ID, ch.ResourceID, ch.ExpiresAt); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// A concurrent renewal already swapped the row; ours is surplus.
			_ = s.Provider.Stop(ctx, ch.ID, ch.ResourceID)
			log.Info().Str("channel_id", ch.ID).Msg("renewal lost race, discarding channel")
			return nil
		}
		return err
	}

	if err := s.Provider.Stop(ctx, sub.ChannelID, sub.ResourceID); err != nil {
		log.Warn().Err(err).
			Str("channel_id", sub.ChannelID).
			Msg("stop superseded channel failed, it will lapse on its own")
	}

	observability.SubscriptionExpirySeconds.Set(time.Until(ch.ExpiresAt).Seconds())
	log.Info().
		Str("old_channel_id", sub.ChannelID).
		Str("channel_id", ch.ID).
		Time("expires_at", ch.ExpiresAt).
		Msg("drive push channel renewed")
	return nil
}

// logRenewalFailure picks severity by how close the channel is to lapsing.
func (s *SubscriptionService) logRenewalFailure(sub *domain.Subscription, err error) {
	remaining := time.Until(sub.ExpiresAt)
	ev := log.Warn()
	switch {
	case remaining <= 0:
		ev = log.Error().Bool("channel_expired", true)
	case remaining < s.Cfg.RenewThreshold/4:
		ev = log.Error()
	}
	ev.Err(err).
		Str("channel_id", sub.ChannelID).
		Dur("remaining", remaining).
		Msg("drive channel renewal failed")
}
