// SPDX-License-Identifier: AGPL-3.0-or-later

package user

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mxbridge/twidm/internal/appservice"
	"github.com/mxbridge/twidm/internal/bridge/portal"
	"github.com/mxbridge/twidm/internal/bridge/puppet"
	"github.com/mxbridge/twidm/internal/config"
	"github.com/mxbridge/twidm/internal/log"
	"github.com/mxbridge/twidm/internal/store"
)

// Manager owns all user sessions and routes Matrix events to them. It is
// the appservice event processor.
type Manager struct {
	cfg     config.Config
	store   store.Store
	portals *portal.Manager
	puppets *puppet.Manager
	logger  zerolog.Logger

	botMXID    string
	ghostMatch *regexp.Regexp

	mu          sync.Mutex
	byMXID      map[string]*User
	byTwitterID map[int64]*User
}

// NewManager creates the user manager.
func NewManager(cfg config.Config, st store.Store, portals *portal.Manager, puppets *puppet.Manager) (*Manager, error) {
	ghostMatch, err := cfg.Bridge.GhostPattern(cfg.Homeserver.Domain)
	if err != nil {
		return nil, fmt.Errorf("compile ghost pattern: %w", err)
	}
	return &Manager{
		cfg:         cfg,
		store:       st,
		portals:     portals,
		puppets:     puppets,
		logger:      log.WithComponent("user"),
		botMXID:     fmt.Sprintf("@%s:%s", cfg.Appservice.BotLocalpart, cfg.Homeserver.Domain),
		ghostMatch:  ghostMatch,
		byMXID:      make(map[string]*User),
		byTwitterID: make(map[int64]*User),
	}, nil
}

// GetByMXID returns the session for a Matrix ID. With create=true a fresh
// record is inserted for unknown users; otherwise absence returns (nil, nil).
func (m *Manager) GetByMXID(ctx context.Context, mxid string, create bool) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.byMXID[mxid]; ok {
		return u, nil
	}

	rec, err := m.store.GetUserByMXID(ctx, mxid)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if !create {
			return nil, nil
		}
		rec = &store.User{MXID: mxid}
		if err := m.store.PutUser(ctx, rec); err != nil {
			return nil, err
		}
	}
	return m.addToCacheLocked(rec), nil
}

// GetByTwitterID returns the session linked to a Twitter account, or
// (nil, nil) when no user is logged in as that account.
func (m *Manager) GetByTwitterID(ctx context.Context, twid int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.byTwitterID[twid]; ok {
		return u, nil
	}

	rec, err := m.store.GetUserByTwitterID(ctx, twid)
	if err != nil || rec == nil {
		return nil, err
	}
	return m.addToCacheLocked(rec), nil
}

// AllLoggedIn returns every user with stored credentials. Records already
// live in the cache keep their session instance.
func (m *Manager) AllLoggedIn(ctx context.Context) ([]*User, error) {
	recs, err := m.store.AllLoggedInUsers(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]*User, 0, len(recs))
	for _, rec := range recs {
		if u, ok := m.byMXID[rec.MXID]; ok {
			users = append(users, u)
			continue
		}
		users = append(users, m.addToCacheLocked(rec))
	}
	return users, nil
}

// StartupConnect reconnects every logged-in user concurrently. Individual
// failures are logged by the session, never propagated.
func (m *Manager) StartupConnect(ctx context.Context) error {
	users, err := m.AllLoggedIn(ctx)
	if err != nil {
		return fmt.Errorf("load logged-in users: %w", err)
	}

	var g errgroup.Group
	for _, u := range users {
		g.Go(func() error {
			u.TryConnect(ctx)
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every cached session, persisting its state.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	users := make([]*User, 0, len(m.byMXID))
	for _, u := range m.byMXID {
		users = append(users, u)
	}
	m.mu.Unlock()

	for _, u := range users {
		if err := u.Stop(ctx); err != nil {
			u.log.Err(err).Msg("session stop failed")
		}
	}
}

// ApplyConfig applies the hot-reloadable part of a new configuration:
// permission grants of cached sessions take effect without a restart.
func (m *Manager) ApplyConfig(cfg config.Config) {
	m.mu.Lock()
	users := make([]*User, 0, len(m.byMXID))
	for _, u := range m.byMXID {
		users = append(users, u)
	}
	m.mu.Unlock()

	for _, u := range users {
		whitelisted, admin, level := cfg.Bridge.GetPermissions(u.User.MXID)
		u.mu.Lock()
		u.Whitelisted, u.Admin, u.Level = whitelisted, admin, level
		u.mu.Unlock()
	}
	m.logger.Info().Int("users", len(users)).Msg("permissions reloaded")
}

func (m *Manager) addToCacheLocked(rec *store.User) *User {
	whitelisted, admin, level := m.cfg.Bridge.GetPermissions(rec.MXID)
	u := &User{
		User:        rec,
		mgr:         m,
		log:         log.WithUser("user", rec.MXID),
		Whitelisted: whitelisted,
		Admin:       admin,
		Level:       level,
	}
	m.byMXID[rec.MXID] = u
	if rec.TwitterID != 0 {
		m.byTwitterID[rec.TwitterID] = u
	}
	return u
}

func (m *Manager) indexTwitterID(u *User) {
	m.mu.Lock()
	m.byTwitterID[u.User.TwitterID] = u
	m.mu.Unlock()
}

func (m *Manager) unindexTwitterID(twid int64) {
	m.mu.Lock()
	delete(m.byTwitterID, twid)
	m.mu.Unlock()
}

// HandleMatrixEvent routes one appservice event to the portal backing its
// room. Events from the bridge bot or its own ghosts are dropped, as are
// events from users that are not whitelisted or not logged in.
func (m *Manager) HandleMatrixEvent(ctx context.Context, evt appservice.Event) {
	switch evt.Type {
	case "m.room.message", "m.reaction", "m.room.redaction":
	default:
		return
	}
	if evt.Sender == m.botMXID || m.ghostMatch.MatchString(evt.Sender) {
		return
	}

	lg := log.WithContext(ctx, m.logger).With().
		Str(log.FieldUserMXID, evt.Sender).
		Str(log.FieldRoomID, evt.RoomID).
		Str(log.FieldEventID, evt.ID).
		Logger()

	u, err := m.GetByMXID(ctx, evt.Sender, false)
	if err != nil {
		lg.Err(err).Msg("user lookup failed")
		return
	}
	if u == nil {
		lg.Debug().Msg("event from unknown sender dropped")
		return
	}
	if whitelisted, _, _ := u.Permissions(); !whitelisted {
		lg.Debug().Msg("event from non-whitelisted sender dropped")
		return
	}
	if !u.LoggedIn() {
		lg.Debug().Msg("event from logged-out user dropped")
		return
	}

	p, err := m.portals.GetByMXID(ctx, evt.RoomID)
	if err != nil {
		lg.Err(err).Msg("portal lookup failed")
		return
	}
	if p == nil {
		lg.Debug().Msg("event in non-portal room dropped")
		return
	}

	var handleErr error
	switch evt.Type {
	case "m.room.message":
		handleErr = p.HandleMatrixMessage(ctx, u, evt)
	case "m.reaction":
		handleErr = p.HandleMatrixReaction(ctx, u, evt)
	case "m.room.redaction":
		handleErr = p.HandleMatrixRedaction(ctx, u, evt)
	}
	if handleErr != nil {
		lg.Err(handleErr).Msg("matrix event bridging failed")
	}
}
