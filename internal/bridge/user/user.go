// SPDX-License-Identifier: AGPL-3.0-or-later

// Package user manages bridge user sessions: the link between one Matrix
// account and its Twitter login, the inbox poller feeding remote events
// into portals, and the login/logout lifecycle.
package user

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mxbridge/twidm/internal/config"
	"github.com/mxbridge/twidm/internal/log"
	"github.com/mxbridge/twidm/internal/metrics"
	"github.com/mxbridge/twidm/internal/store"
	"github.com/mxbridge/twidm/internal/twitter"
)

// User is one bridge user session. The embedded record holds the persisted
// state; everything else is runtime.
type User struct {
	*store.User

	mgr *Manager
	log zerolog.Logger

	// Permission triple resolved from config at construction time.
	Whitelisted bool
	Admin       bool
	Level       config.PermissionLevel

	mu         sync.Mutex
	client     *twitter.Client
	connected  bool
	screenName string
	// convSyncBudget counts down the conversations that still get a Matrix
	// room proactively created after connect.
	convSyncBudget int
}

// MXID returns the user's Matrix ID.
func (u *User) MXID() string {
	return u.User.MXID
}

// TwitterID returns the linked Twitter account ID, zero before login.
func (u *User) TwitterID() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.User.TwitterID
}

// LoggedIn reports whether the user has stored Twitter credentials. The
// poller refreshes tokens concurrently, so the record is read under the
// session lock.
func (u *User) LoggedIn() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.User.LoggedIn()
}

// Permissions returns the user's current permission triple.
func (u *User) Permissions() (whitelisted, admin bool, level config.PermissionLevel) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Whitelisted, u.Admin, u.Level
}

// Client returns the user's Twitter API client, creating it on first use.
func (u *User) Client() *twitter.Client {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.clientLocked()
}

func (u *User) clientLocked() *twitter.Client {
	if u.client == nil {
		u.client = twitter.NewClient(twitter.Options{
			BaseURL:        u.mgr.cfg.Twitter.BaseURL,
			Logger:         u.log.With().Str(log.FieldComponent, "twitter").Logger(),
			RequestsPerSec: u.mgr.cfg.Twitter.RequestsPerSec,
		})
		u.client.SetTokens(u.AuthToken, u.CSRFToken)
		u.client.SetPollCursor(u.PollCursor)
	}
	return u.client
}

// ScreenName returns the Twitter handle recorded at connect time.
func (u *User) ScreenName() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.screenName
}

// Connected reports whether the inbox poller is running.
func (u *User) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

// IsLoggedIn checks the stored credentials against the API.
func (u *User) IsLoggedIn(ctx context.Context) bool {
	u.mu.Lock()
	if !u.User.LoggedIn() {
		u.mu.Unlock()
		return false
	}
	client := u.clientLocked()
	client.SetTokens(u.AuthToken, u.CSRFToken)
	u.mu.Unlock()

	_, err := client.GetUserIdentifier(ctx)
	return err == nil
}

// Login stores fresh credentials and connects.
func (u *User) Login(ctx context.Context, authToken, csrfToken string) error {
	u.mu.Lock()
	u.AuthToken = authToken
	u.CSRFToken = csrfToken
	u.mu.Unlock()
	return u.Connect(ctx)
}

// Connect authenticates against Twitter, resolves the account identity,
// persists the session and starts the inbox poller. Safe to call on an
// already connected user.
func (u *User) Connect(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.connected {
		return nil
	}
	if u.AuthToken == "" {
		return errors.New("user has no stored credentials")
	}

	client := u.clientLocked()
	client.SetTokens(u.AuthToken, u.CSRFToken)
	client.SetPollCursor(u.PollCursor)

	// Initial ping to make sure auth works.
	if _, err := client.GetUserIdentifier(ctx); err != nil {
		metrics.LoginAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("verify credentials: %w", err)
	}

	client.SetHandlers(twitter.Handlers{
		Conversation:   u.handleConversation,
		User:           u.handleUserUpdate,
		Message:        u.handleMessage,
		ReactionCreate: u.handleReactionCreate,
		ReactionDelete: u.handleReactionDelete,
	})

	settings, err := client.GetSettings(ctx)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch settings: %w", err)
	}
	u.screenName = settings.ScreenName

	if u.User.TwitterID == 0 {
		infos, err := client.LookupUsers(ctx, []string{u.screenName})
		if err != nil {
			metrics.LoginAttempts.WithLabelValues("error").Inc()
			return fmt.Errorf("resolve own account: %w", err)
		}
		if len(infos) == 0 {
			metrics.LoginAttempts.WithLabelValues("error").Inc()
			return fmt.Errorf("resolve own account: no user for %q", u.screenName)
		}
		u.User.TwitterID = int64(infos[0].ID)
		u.mgr.indexTwitterID(u)
	}

	u.convSyncBudget = u.mgr.cfg.Bridge.InitialConversationSync

	if err := u.updateLocked(ctx); err != nil {
		metrics.LoginAttempts.WithLabelValues("error").Inc()
		return err
	}

	client.Start(twitter.PollerConfig{
		Interval:      u.mgr.cfg.Twitter.PollInterval,
		ErrorSleep:    u.mgr.cfg.Twitter.ErrorSleep,
		MaxErrorSleep: u.mgr.cfg.Twitter.MaxErrorSleep,
	})
	u.connected = true
	metrics.ConnectedUsers.Inc()
	metrics.LoginAttempts.WithLabelValues("ok").Inc()
	u.log.Info().
		Int64(log.FieldTwitterID, u.User.TwitterID).
		Str(log.FieldScreenName, u.screenName).
		Msg("user connected")
	return nil
}

// TryConnect is Connect with the error logged instead of returned. Used on
// startup so one broken session does not stop the rest.
func (u *User) TryConnect(ctx context.Context) {
	if err := u.Connect(ctx); err != nil {
		u.log.Err(err).Msg("error while connecting to twitter")
	}
}

// Stop halts the poller and persists the session state it accumulated.
// The poller is stopped before the lock is taken: Stop waits for the
// in-flight poll, and poll handlers take the same lock to persist state.
func (u *User) Stop(ctx context.Context) error {
	u.stopPoller()
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.updateLocked(ctx)
}

func (u *User) stopPoller() {
	u.mu.Lock()
	client := u.client
	u.mu.Unlock()
	if client != nil {
		client.Stop()
	}
	u.mu.Lock()
	if u.connected {
		u.connected = false
		metrics.ConnectedUsers.Dec()
	}
	u.mu.Unlock()
}

// Logout tears the session down: the poller stops, credentials, cursor and
// the Twitter link are cleared, a double-puppeted ghost is detached, and
// the cleared record is persisted in one write.
func (u *User) Logout(ctx context.Context) error {
	u.stopPoller()

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.User.TwitterID != 0 {
		ghost, err := u.mgr.puppets.Get(ctx, u.User.TwitterID, false)
		if err != nil {
			return err
		}
		if ghost != nil && ghost.IsRealUser() {
			if err := ghost.SwitchCustomMXID(ctx, ""); err != nil {
				return err
			}
		}
		u.mgr.unindexTwitterID(u.User.TwitterID)
	}

	u.client = nil
	u.screenName = ""
	u.User.TwitterID = 0
	u.AuthToken = ""
	u.CSRFToken = ""
	u.PollCursor = ""

	if err := u.mgr.store.PutUser(ctx, u.User); err != nil {
		return fmt.Errorf("persist logout: %w", err)
	}
	u.log.Info().Msg("user logged out")
	return nil
}

// update persists the record after pulling live token and cursor state from
// the client.
func (u *User) update(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.updateLocked(ctx)
}

func (u *User) updateLocked(ctx context.Context) error {
	if u.client != nil {
		u.AuthToken, u.CSRFToken = u.client.Tokens()
		u.PollCursor = u.client.PollCursor()
	}
	return u.mgr.store.PutUser(ctx, u.User)
}

func (u *User) portalKey(conversationID string) store.PortalKey {
	return store.PortalKey{ConversationID: conversationID, Receiver: u.User.TwitterID}
}

func (u *User) handleConversation(conv twitter.Conversation) {
	ctx := context.Background()
	p, err := u.mgr.portals.GetByKey(ctx, u.portalKey(conv.ConversationID), conv.Type, true)
	if err != nil {
		u.log.Err(err).Str(log.FieldConversationID, conv.ConversationID).Msg("portal lookup failed")
		return
	}
	if err := p.UpdateInfo(ctx, conv); err != nil {
		u.log.Err(err).Str(log.FieldConversationID, conv.ConversationID).Msg("portal update failed")
		return
	}

	u.mu.Lock()
	createRoom := p.MXID == "" && u.convSyncBudget != 0
	if createRoom && u.convSyncBudget > 0 {
		u.convSyncBudget--
	}
	u.mu.Unlock()
	if createRoom {
		sender := u.conversationPeer(conv)
		if err := p.CreateMatrixRoom(ctx, u, sender); err != nil {
			u.log.Err(err).Str(log.FieldConversationID, conv.ConversationID).Msg("initial room sync failed")
		}
	}
}

// conversationPeer picks the participant whose ghost creates the room: the
// first member that is not the user themselves.
func (u *User) conversationPeer(conv twitter.Conversation) int64 {
	for _, part := range conv.Participants {
		if int64(part.UserID) != u.User.TwitterID {
			return int64(part.UserID)
		}
	}
	return u.User.TwitterID
}

func (u *User) handleUserUpdate(info twitter.User) {
	ctx := context.Background()
	ghost, err := u.mgr.puppets.Get(ctx, int64(info.ID), true)
	if err != nil {
		u.log.Err(err).Int64(log.FieldTwitterID, int64(info.ID)).Msg("puppet lookup failed")
		return
	}
	if err := ghost.UpdateInfo(ctx, info); err != nil {
		u.log.Err(err).Int64(log.FieldTwitterID, int64(info.ID)).Msg("puppet update failed")
	}
}

func (u *User) handleMessage(entry twitter.MessageEntry) {
	ctx := context.Background()
	convType := twitter.ConversationOneToOne
	if entry.Conversation != nil {
		convType = entry.Conversation.Type
	}

	p, err := u.mgr.portals.GetByKey(ctx, u.portalKey(entry.ConversationID), convType, true)
	if err != nil {
		u.log.Err(err).Str(log.FieldConversationID, entry.ConversationID).Msg("portal lookup failed")
		return
	}
	if entry.Conversation != nil {
		if err := p.UpdateInfo(ctx, *entry.Conversation); err != nil {
			u.log.Err(err).Str(log.FieldConversationID, entry.ConversationID).Msg("portal update failed")
		}
	}
	if err := p.HandleRemoteMessage(ctx, u, entry); err != nil {
		u.log.Err(err).
			Str(log.FieldConversationID, entry.ConversationID).
			Int64(log.FieldMessageID, int64(entry.MessageData.ID)).
			Msg("remote message bridging failed")
		return
	}

	// Persist the advanced cursor so a restart resumes behind this message.
	if err := u.update(ctx); err != nil {
		u.log.Err(err).Msg("cursor persist failed")
	}
}

func (u *User) handleReactionCreate(entry twitter.ReactionCreateEntry) {
	ctx := context.Background()
	p, err := u.mgr.portals.GetByKey(ctx, u.portalKey(entry.ConversationID), "", false)
	if err != nil || p == nil {
		return
	}
	if err := p.HandleRemoteReactionCreate(ctx, entry); err != nil {
		u.log.Err(err).Str(log.FieldConversationID, entry.ConversationID).Msg("reaction bridging failed")
	}
}

func (u *User) handleReactionDelete(entry twitter.ReactionDeleteEntry) {
	ctx := context.Background()
	p, err := u.mgr.portals.GetByKey(ctx, u.portalKey(entry.ConversationID), "", false)
	if err != nil || p == nil {
		return
	}
	if err := p.HandleRemoteReactionDelete(ctx, entry); err != nil {
		u.log.Err(err).Str(log.FieldConversationID, entry.ConversationID).Msg("reaction removal failed")
	}
}
