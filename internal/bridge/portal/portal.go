// SPDX-License-Identifier: AGPL-3.0-or-later

// Package portal maps Twitter DM conversations to Matrix rooms and relays
// messages in both directions.
package portal

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mxbridge/twidm/internal/appservice"
	"github.com/mxbridge/twidm/internal/bridge/puppet"
	"github.com/mxbridge/twidm/internal/config"
	"github.com/mxbridge/twidm/internal/log"
	"github.com/mxbridge/twidm/internal/metrics"
	"github.com/mxbridge/twidm/internal/store"
	"github.com/mxbridge/twidm/internal/telemetry"
	"github.com/mxbridge/twidm/internal/twitter"
)

// BridgeUser is the slice of a logged-in bridge user the portal layer
// needs. The concrete type lives a package up to keep the dependency
// one-directional.
type BridgeUser interface {
	MXID() string
	TwitterID() int64
	Client() *twitter.Client
}

// Manager hands out Portal instances keyed by conversation and receiver,
// with an identity cache so concurrent events for one thread share state.
type Manager struct {
	cfg     config.Config
	store   store.Store
	as      *appservice.Client
	puppets *puppet.Manager
	logger  zerolog.Logger

	mu     sync.Mutex
	byKey  map[store.PortalKey]*Portal
	byMXID map[string]*Portal
}

// NewManager creates the portal manager.
func NewManager(cfg config.Config, st store.Store, as *appservice.Client, puppets *puppet.Manager) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		as:      as,
		puppets: puppets,
		logger:  log.WithComponent("portal"),
		byKey:   make(map[store.PortalKey]*Portal),
		byMXID:  make(map[string]*Portal),
	}
}

// GetByKey returns the portal for a conversation key. With create=false it
// returns (nil, nil) when no record exists.
func (m *Manager) GetByKey(ctx context.Context, key store.PortalKey, convType twitter.ConversationType, create bool) (*Portal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.byKey[key]; ok {
		return p, nil
	}

	rec, err := m.store.GetPortal(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if !create {
			return nil, nil
		}
		rec = &store.Portal{Key: key, ConvType: string(convType)}
		if err := m.store.PutPortal(ctx, rec); err != nil {
			return nil, err
		}
	}

	p := m.wrap(rec)
	m.byKey[key] = p
	if p.MXID != "" {
		m.byMXID[p.MXID] = p
	}
	return p, nil
}

// GetByMXID returns the portal backing a Matrix room, or (nil, nil) when
// the room is not a portal.
func (m *Manager) GetByMXID(ctx context.Context, mxid string) (*Portal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.byMXID[mxid]; ok {
		return p, nil
	}

	rec, err := m.store.GetPortalByMXID(ctx, mxid)
	if err != nil || rec == nil {
		return nil, err
	}

	p := m.wrap(rec)
	m.byKey[rec.Key] = p
	m.byMXID[mxid] = p
	return p, nil
}

func (m *Manager) wrap(rec *store.Portal) *Portal {
	return &Portal{
		Portal: rec,
		mgr:    m,
		log: m.logger.With().
			Str(log.FieldConversationID, rec.Key.ConversationID).
			Int64(log.FieldReceiver, rec.Key.Receiver).
			Logger(),
		pending: make(map[string]string),
		joined:  make(map[string]bool),
	}
}

// Portal is one bridged conversation. All relay paths for a portal run
// through its methods; the manager guarantees one live instance per key.
type Portal struct {
	*store.Portal

	mgr *Manager
	log zerolog.Logger

	// roomLock serializes room creation so two concurrent events cannot
	// mint two Matrix rooms for one conversation.
	roomLock sync.Mutex

	// pending maps Twitter request IDs of messages this bridge sent to the
	// originating Matrix event, so the poller echo is recorded instead of
	// relayed back.
	mu      sync.Mutex
	pending map[string]string
	// joined tracks which ghosts are already in the Matrix room so the
	// join call happens once per ghost, not once per message.
	joined map[string]bool
	// lastRemote is the newest bridged message from the remote side; a
	// Matrix reply advances the Twitter read marker up to it.
	lastRemote int64
}

// IsDirect reports whether the portal backs a one-to-one DM thread.
func (p *Portal) IsDirect() bool {
	return p.ConvType == string(twitter.ConversationOneToOne)
}

// UpdateInfo syncs portal metadata from a conversation payload, renaming
// the Matrix room when a group thread's name changed.
func (p *Portal) UpdateInfo(ctx context.Context, info twitter.Conversation) error {
	changed := false
	if p.ConvType == "" && info.Type != "" {
		p.ConvType = string(info.Type)
		changed = true
	}
	if !p.IsDirect() && info.Name != "" && info.Name != p.Name {
		p.Name = info.Name
		if p.MXID != "" {
			intent := p.mgr.as.Intent(p.mgr.botMXID())
			if err := intent.SetRoomName(ctx, p.MXID, info.Name); err != nil {
				return fmt.Errorf("set room name: %w", err)
			}
		}
		changed = true
	}
	if info.AvatarURL != "" && info.AvatarURL != p.AvatarURL {
		p.AvatarURL = info.AvatarURL
		changed = true
	}
	if !changed {
		return nil
	}
	return p.mgr.store.PutPortal(ctx, p.Portal)
}

func (m *Manager) botMXID() string {
	return fmt.Sprintf("@%s:%s", m.cfg.Appservice.BotLocalpart, m.cfg.Homeserver.Domain)
}

// CreateMatrixRoom creates the Matrix room for this portal if it does not
// exist yet. The room is created by the ghost of senderTwID (for group
// threads any participant works) and the receiving user is invited.
func (p *Portal) CreateMatrixRoom(ctx context.Context, user BridgeUser, senderTwID int64) error {
	p.roomLock.Lock()
	defer p.roomLock.Unlock()

	if p.MXID != "" {
		return nil
	}

	ghost, err := p.mgr.puppets.Get(ctx, senderTwID, true)
	if err != nil {
		return fmt.Errorf("get creator puppet: %w", err)
	}
	if err := ghost.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("register creator puppet: %w", err)
	}

	req := appservice.RoomCreateRequest{
		Name:     p.Name,
		IsDirect: p.IsDirect(),
		Preset:   "private_chat",
		Invite:   []string{user.MXID()},
	}
	if p.IsDirect() {
		// Direct chats take the ghost's profile name, not a room name.
		req.Name = ""
	}

	roomID, err := ghost.Intent().CreateRoom(ctx, req)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	p.MXID = roomID
	if err := p.mgr.store.PutPortal(ctx, p.Portal); err != nil {
		return fmt.Errorf("persist portal: %w", err)
	}

	p.mgr.mu.Lock()
	p.mgr.byMXID[roomID] = p
	p.mgr.mu.Unlock()

	// The creator joined implicitly.
	p.mu.Lock()
	p.joined[ghost.MXID()] = true
	p.mu.Unlock()

	metrics.MatrixRoomsCreated.Inc()
	p.log.Info().Str(log.FieldRoomID, roomID).Msg("matrix room created")
	return nil
}

// HandleRemoteMessage relays one DM from the poller into Matrix. Messages
// this bridge itself sent come back with their request ID and are recorded
// against the original Matrix event instead of being re-bridged.
func (p *Portal) HandleRemoteMessage(ctx context.Context, user BridgeUser, entry twitter.MessageEntry) error {
	ctx, span := telemetry.Tracer("portal").Start(ctx, "remote_message")
	span.SetAttributes(telemetry.MessageAttributes(user.MXID(), p.Key.ConversationID, metrics.DirectionTwitterToMatrix)...)
	defer span.End()

	msgID := int64(entry.MessageData.ID)
	lg := p.log.With().Int64(log.FieldMessageID, msgID).Logger()

	if entry.RequestID != "" {
		if evtID := p.takePending(entry.RequestID); evtID != "" {
			lg.Debug().Str(log.FieldRequestID, entry.RequestID).Msg("own message echo")
			return p.mgr.store.PutMessage(ctx, &store.Message{
				Key:         p.Key,
				TwitterID:   msgID,
				MXID:        evtID,
				Sender:      int64(entry.MessageData.SenderID),
				TimestampMS: entry.MessageData.Time,
			})
		}
	}

	existing, err := p.mgr.store.GetMessage(ctx, p.Key, msgID)
	if err != nil {
		return err
	}
	if existing != nil {
		lg.Debug().Msg("message already bridged")
		return nil
	}

	if p.MXID == "" {
		if err := p.CreateMatrixRoom(ctx, user, int64(entry.MessageData.SenderID)); err != nil {
			metrics.BridgedMessages.WithLabelValues(metrics.DirectionTwitterToMatrix, "error").Inc()
			return err
		}
	}

	ghost, err := p.mgr.puppets.Get(ctx, int64(entry.MessageData.SenderID), true)
	if err != nil {
		return err
	}
	if err := ghost.EnsureRegistered(ctx); err != nil {
		return err
	}
	if err := p.ensureJoined(ctx, ghost); err != nil {
		return err
	}

	evtID, err := ghost.Intent().SendText(ctx, p.MXID, entry.MessageData.Text)
	if err != nil {
		metrics.BridgedMessages.WithLabelValues(metrics.DirectionTwitterToMatrix, "error").Inc()
		return fmt.Errorf("send to matrix: %w", err)
	}

	if err := p.mgr.store.PutMessage(ctx, &store.Message{
		Key:         p.Key,
		TwitterID:   msgID,
		MXID:        evtID,
		Sender:      int64(entry.MessageData.SenderID),
		TimestampMS: entry.MessageData.Time,
	}); err != nil {
		return err
	}

	p.mu.Lock()
	if msgID > p.lastRemote {
		p.lastRemote = msgID
	}
	p.mu.Unlock()

	metrics.BridgedMessages.WithLabelValues(metrics.DirectionTwitterToMatrix, "ok").Inc()
	lg.Debug().Str(log.FieldEventID, evtID).Msg("message bridged to matrix")
	return nil
}

// HandleRemoteReactionCreate mirrors a Twitter reaction as a Matrix
// annotation. Reactions from the receiving user themselves are recorded
// without re-sending when they originated on Matrix.
func (p *Portal) HandleRemoteReactionCreate(ctx context.Context, entry twitter.ReactionCreateEntry) error {
	msgID := int64(entry.MessageID)
	sender := int64(entry.SenderID)

	existing, err := p.mgr.store.GetReaction(ctx, p.Key, msgID, sender)
	if err != nil {
		return err
	}
	if existing != nil && existing.Emoji == entry.EmojiReaction {
		return nil
	}

	target, err := p.mgr.store.GetMessage(ctx, p.Key, msgID)
	if err != nil {
		return err
	}
	if target == nil || p.MXID == "" {
		p.log.Debug().Int64(log.FieldMessageID, msgID).Msg("reaction target not bridged")
		return nil
	}

	ghost, err := p.mgr.puppets.Get(ctx, sender, true)
	if err != nil {
		return err
	}
	if err := ghost.EnsureRegistered(ctx); err != nil {
		return err
	}
	if err := p.ensureJoined(ctx, ghost); err != nil {
		return err
	}

	evtID, err := ghost.Intent().SendReaction(ctx, p.MXID, target.MXID, entry.EmojiReaction)
	if err != nil {
		return fmt.Errorf("send reaction: %w", err)
	}

	return p.mgr.store.PutReaction(ctx, &store.Reaction{
		Key:       p.Key,
		MessageID: msgID,
		Sender:    sender,
		Emoji:     entry.EmojiReaction,
		MXID:      evtID,
	})
}

// HandleRemoteReactionDelete redacts the Matrix annotation backing a
// removed Twitter reaction.
func (p *Portal) HandleRemoteReactionDelete(ctx context.Context, entry twitter.ReactionDeleteEntry) error {
	msgID := int64(entry.MessageID)
	sender := int64(entry.SenderID)

	existing, err := p.mgr.store.GetReaction(ctx, p.Key, msgID, sender)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	if p.MXID != "" && existing.MXID != "" {
		ghost, err := p.mgr.puppets.Get(ctx, sender, true)
		if err != nil {
			return err
		}
		if err := ghost.Intent().RedactEvent(ctx, p.MXID, existing.MXID); err != nil {
			return fmt.Errorf("redact reaction: %w", err)
		}
	}

	return p.mgr.store.DeleteReaction(ctx, p.Key, msgID, sender)
}

// HandleMatrixMessage relays an m.room.message event from the receiving
// user into the Twitter conversation. Only plain text is bridged.
func (p *Portal) HandleMatrixMessage(ctx context.Context, user BridgeUser, evt appservice.Event) error {
	ctx, span := telemetry.Tracer("portal").Start(ctx, "matrix_message")
	span.SetAttributes(telemetry.MessageAttributes(user.MXID(), p.Key.ConversationID, metrics.DirectionMatrixToTwitter)...)
	defer span.End()

	content, err := evt.ParseMessage()
	if err != nil {
		return fmt.Errorf("parse message content: %w", err)
	}
	if content.MsgType != "m.text" || content.Body == "" {
		p.log.Debug().Str(log.FieldEventID, evt.ID).Msg("unsupported message type skipped")
		return nil
	}

	requestID, err := user.Client().SendMessage(ctx, p.Key.ConversationID, content.Body)
	if err != nil {
		metrics.BridgedMessages.WithLabelValues(metrics.DirectionMatrixToTwitter, "error").Inc()
		return fmt.Errorf("send to twitter: %w", err)
	}

	p.addPending(requestID, evt.ID)
	metrics.BridgedMessages.WithLabelValues(metrics.DirectionMatrixToTwitter, "ok").Inc()
	p.log.Debug().
		Str(log.FieldEventID, evt.ID).
		Str(log.FieldRequestID, requestID).
		Msg("message bridged to twitter")

	// Replying implies the thread was read up to the latest remote message.
	p.mu.Lock()
	lastRead := p.lastRemote
	p.mu.Unlock()
	if lastRead != 0 {
		if err := user.Client().MarkRead(ctx, p.Key.ConversationID, lastRead); err != nil {
			p.log.Debug().Err(err).Msg("read marker update failed")
		}
	}
	return nil
}

// HandleMatrixReaction relays an m.reaction annotation from the receiving
// user to Twitter. Reactions to events that are not bridged messages are
// ignored.
func (p *Portal) HandleMatrixReaction(ctx context.Context, user BridgeUser, evt appservice.Event) error {
	content, err := evt.ParseReaction()
	if err != nil {
		return fmt.Errorf("parse reaction content: %w", err)
	}
	if content.RelatesTo.RelType != "m.annotation" || content.RelatesTo.Key == "" {
		return nil
	}

	target, err := p.mgr.store.GetMessageByMXID(ctx, content.RelatesTo.EventID)
	if err != nil {
		return err
	}
	if target == nil {
		p.log.Debug().Str(log.FieldEventID, content.RelatesTo.EventID).Msg("reaction to unbridged event skipped")
		return nil
	}

	if err := user.Client().SendReaction(ctx, p.Key.ConversationID, target.TwitterID, content.RelatesTo.Key); err != nil {
		return fmt.Errorf("send reaction to twitter: %w", err)
	}

	// The stored row also suppresses the poller echo of this reaction.
	return p.mgr.store.PutReaction(ctx, &store.Reaction{
		Key:       p.Key,
		MessageID: target.TwitterID,
		Sender:    p.Key.Receiver,
		Emoji:     content.RelatesTo.Key,
		MXID:      evt.ID,
	})
}

// HandleMatrixRedaction retracts a bridged reaction when its Matrix
// annotation is redacted. Redactions of other events are ignored.
func (p *Portal) HandleMatrixRedaction(ctx context.Context, user BridgeUser, evt appservice.Event) error {
	redacts := evt.RedactsEvent()
	if redacts == "" {
		return nil
	}

	reaction, err := p.mgr.store.GetReactionByMXID(ctx, redacts)
	if err != nil {
		return err
	}
	if reaction == nil {
		return nil
	}

	if err := user.Client().RemoveReaction(ctx, p.Key.ConversationID, reaction.MessageID, reaction.Emoji); err != nil {
		return fmt.Errorf("remove reaction from twitter: %w", err)
	}
	return p.mgr.store.DeleteReaction(ctx, reaction.Key, reaction.MessageID, reaction.Sender)
}

// ensureJoined joins a ghost into the portal room once.
func (p *Portal) ensureJoined(ctx context.Context, ghost *puppet.Puppet) error {
	p.mu.Lock()
	already := p.joined[ghost.MXID()]
	p.mu.Unlock()
	if already {
		return nil
	}
	if err := ghost.Intent().JoinRoom(ctx, p.MXID); err != nil {
		return fmt.Errorf("join ghost to room: %w", err)
	}
	p.mu.Lock()
	p.joined[ghost.MXID()] = true
	p.mu.Unlock()
	return nil
}

func (p *Portal) addPending(requestID, eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[requestID] = eventID
}

func (p *Portal) takePending(requestID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	evtID, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
	}
	return evtID
}
