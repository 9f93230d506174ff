package factory

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/coopdesk/waterbilling/billing"
)

// =============================================================================
// CACHED SETTINGS PROVIDER
// =============================================================================

const currentSettingsKey = "settings:current"

// Provider implements billing.SettingsProvider over a SettingsRepository.
// Settings are read on every bill computation and written rarely, so the
// current version is cached until it expires or Save replaces it.
type Provider struct {
	repo  billing.SettingsRepository
	cache *cache.Cache
	log   *zap.Logger

	// mu serializes saves and guards gen. gen is bumped by every Save and
	// Invalidate; a load that started under an older gen is not cached.
	mu  sync.Mutex
	gen uint64
}

// NewProvider creates a provider. A ttl <= 0 caches until the next Save.
func NewProvider(repo billing.SettingsRepository, ttl time.Duration, log *zap.Logger) *Provider {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		repo:  repo,
		cache: cache.New(ttl, 10*time.Minute),
		log:   log,
	}
}

// CurrentSettings returns the latest saved settings, or the shipped
// defaults when none were saved yet.
func (p *Provider) CurrentSettings(ctx context.Context) (billing.Settings, error) {
	if v, ok := p.cache.Get(currentSettingsKey); ok {
		return v.(billing.Settings).Clone(), nil
	}

	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	stored, err := p.repo.LatestSettings(ctx)
	if err != nil {
		return billing.Settings{}, err
	}

	settings := DefaultSettings()
	if stored != nil {
		settings = *stored
		if err := settings.Validate(); err != nil {
			p.log.Error("stored settings are invalid", zap.Int("version", settings.Version), zap.Error(err))
			return billing.Settings{}, err
		}
	}

	p.mu.Lock()
	if p.gen == gen {
		p.cache.Set(currentSettingsKey, settings, cache.DefaultExpiration)
	}
	p.mu.Unlock()
	return settings.Clone(), nil
}

// Save validates and stores settings as a new version, then caches it in
// place of the previous one. Bills already created keep their own snapshot.
func (p *Provider) Save(ctx context.Context, settings billing.Settings, actor string, at time.Time) (billing.Settings, error) {
	if err := settings.Validate(); err != nil {
		return billing.Settings{}, err
	}
	settings.UpdatedBy = actor
	settings.UpdatedAt = at.UTC()

	p.mu.Lock()
	defer p.mu.Unlock()

	saved, err := p.repo.SaveSettings(ctx, settings)
	if err != nil {
		return billing.Settings{}, err
	}
	p.gen++
	p.cache.Set(currentSettingsKey, saved.Clone(), cache.DefaultExpiration)

	p.log.Info("settings saved",
		zap.Int("version", saved.Version),
		zap.String("updated_by", actor),
		zap.Int("due_day_of_month", saved.DueDayOfMonth),
		zap.String("penalty_type", string(saved.PenaltyType)),
		zap.String("penalty_value", saved.PenaltyValue.String()))
	return saved, nil
}

// Invalidate drops the cached settings.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.cache.Delete(currentSettingsKey)
}
