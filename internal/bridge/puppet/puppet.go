// SPDX-License-Identifier: AGPL-3.0-or-later

// Package puppet mirrors remote Twitter users as Matrix ghosts.
package puppet

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mxbridge/twidm/internal/appservice"
	"github.com/mxbridge/twidm/internal/cache"
	"github.com/mxbridge/twidm/internal/config"
	"github.com/mxbridge/twidm/internal/log"
	"github.com/mxbridge/twidm/internal/store"
	"github.com/mxbridge/twidm/internal/twitter"
)

// Manager hands out Puppet instances, one per Twitter user, backed by the
// store with an in-process identity cache so two lookups of the same ID
// return the same live object.
type Manager struct {
	cfg      config.Config
	store    store.Store
	profiles cache.Cache
	as       *appservice.Client
	logger   zerolog.Logger

	mu          sync.Mutex
	byTwitterID map[int64]*Puppet
}

// NewManager creates the puppet manager.
func NewManager(cfg config.Config, st store.Store, profiles cache.Cache, as *appservice.Client) *Manager {
	return &Manager{
		cfg:         cfg,
		store:       st,
		profiles:    profiles,
		as:          as,
		logger:      log.WithComponent("puppet"),
		byTwitterID: make(map[int64]*Puppet),
	}
}

// Get returns the puppet for a Twitter ID. With create=false it returns
// (nil, nil) when no record exists yet.
func (m *Manager) Get(ctx context.Context, twid int64, create bool) (*Puppet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.byTwitterID[twid]; ok {
		return p, nil
	}

	rec, err := m.store.GetPuppet(ctx, twid)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if !create {
			return nil, nil
		}
		rec = &store.Puppet{TwitterID: twid}
		if err := m.store.PutPuppet(ctx, rec); err != nil {
			return nil, err
		}
	}

	p := m.wrap(rec)
	m.byTwitterID[twid] = p
	return p, nil
}

func (m *Manager) wrap(rec *store.Puppet) *Puppet {
	return &Puppet{
		Puppet: rec,
		mgr:    m,
		log:    m.logger.With().Int64(log.FieldTwitterID, rec.TwitterID).Logger(),
	}
}

// MXID mints the ghost Matrix ID for a Twitter ID.
func (m *Manager) MXID(twid int64) string {
	localpart := fmt.Sprintf(m.cfg.Bridge.UsernameTemplate, twid)
	return fmt.Sprintf("@%s:%s", localpart, m.cfg.Homeserver.Domain)
}

// Puppet is one Matrix ghost. Mutations go through UpdateInfo and
// SwitchCustomMXID, which persist the record.
type Puppet struct {
	*store.Puppet

	mgr *Manager
	log zerolog.Logger

	mu         sync.Mutex
	registered bool
}

// MXID returns the ghost's Matrix ID.
func (p *Puppet) MXID() string {
	return p.mgr.MXID(p.TwitterID)
}

// Intent returns the Matrix API handle acting as this ghost. When a real
// user double-puppets the ghost, their account is used instead.
func (p *Puppet) Intent() *appservice.Intent {
	if p.CustomMXID != "" {
		return p.mgr.as.Intent(p.CustomMXID)
	}
	return p.mgr.as.Intent(p.MXID())
}

// IsRealUser reports whether the ghost is double-puppeted by a real account.
func (p *Puppet) IsRealUser() bool {
	return p.CustomMXID != ""
}

// UpdateInfo syncs the ghost's displayname and avatar from a Twitter user
// payload, persisting only when something changed. The profile cache
// swallows repeat payloads between poll cycles.
func (p *Puppet) UpdateInfo(ctx context.Context, info twitter.User) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cacheKey := fmt.Sprintf("puppet:%d:%s:%s", p.TwitterID, info.Name, info.ProfileImageURL)
	if _, fresh := p.mgr.profiles.Get(cacheKey); fresh {
		return nil
	}

	if err := p.ensureRegistered(ctx); err != nil {
		return err
	}

	changed := false
	if info.Name != "" && info.Name != p.Name {
		p.Name = info.Name
		displayname := fmt.Sprintf(p.mgr.cfg.Bridge.DisplaynameTemplate, info.Name)
		if err := p.Intent().SetDisplayName(ctx, displayname); err != nil {
			return fmt.Errorf("set displayname: %w", err)
		}
		changed = true
	}
	if info.ScreenName != "" && info.ScreenName != p.ScreenName {
		p.ScreenName = info.ScreenName
		changed = true
	}
	if info.ProfileImageURL != "" && info.ProfileImageURL != p.AvatarURL {
		p.AvatarURL = info.ProfileImageURL
		if err := p.Intent().SetAvatarURL(ctx, info.ProfileImageURL); err != nil {
			return fmt.Errorf("set avatar: %w", err)
		}
		changed = true
	}

	if changed {
		if err := p.mgr.store.PutPuppet(ctx, p.Puppet); err != nil {
			return err
		}
		p.log.Debug().Str(log.FieldScreenName, p.ScreenName).Msg("puppet info updated")
	}

	p.mgr.profiles.Set(cacheKey, true, p.mgr.cfg.Cache.TTL)
	return nil
}

// SwitchCustomMXID points the ghost at a real Matrix account, or detaches
// it when mxid is empty (logout path).
func (p *Puppet) SwitchCustomMXID(ctx context.Context, mxid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CustomMXID == mxid {
		return nil
	}
	old := p.CustomMXID
	p.CustomMXID = mxid
	if err := p.mgr.store.PutPuppet(ctx, p.Puppet); err != nil {
		p.CustomMXID = old
		return err
	}
	p.log.Info().
		Str(log.FieldOldState, old).
		Str(log.FieldNewState, mxid).
		Msg("custom mxid switched")
	return nil
}

// EnsureRegistered makes sure the ghost account exists on the homeserver.
func (p *Puppet) EnsureRegistered(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureRegistered(ctx)
}

func (p *Puppet) ensureRegistered(ctx context.Context) error {
	if p.registered || p.CustomMXID != "" {
		return nil
	}
	if err := p.mgr.as.Intent(p.MXID()).EnsureRegistered(ctx); err != nil {
		return err
	}
	p.registered = true
	return nil
}
