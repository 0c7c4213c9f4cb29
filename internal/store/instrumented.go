// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"time"

	"github.com/mxbridge/twidm/internal/metrics"
)

// instrumentedStore times every operation of the wrapped backend.
type instrumentedStore struct {
	backend string
	inner   Store
}

func instrument(backend string, s Store) Store {
	return &instrumentedStore{backend: backend, inner: s}
}

func (s *instrumentedStore) observe(op string, start time.Time) {
	metrics.StoreOpDuration.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}

func (s *instrumentedStore) GetUserByMXID(ctx context.Context, mxid string) (*User, error) {
	defer s.observe("get_user_by_mxid", time.Now())
	return s.inner.GetUserByMXID(ctx, mxid)
}

func (s *instrumentedStore) GetUserByTwitterID(ctx context.Context, twid int64) (*User, error) {
	defer s.observe("get_user_by_twitter_id", time.Now())
	return s.inner.GetUserByTwitterID(ctx, twid)
}

func (s *instrumentedStore) AllLoggedInUsers(ctx context.Context) ([]*User, error) {
	defer s.observe("all_logged_in_users", time.Now())
	return s.inner.AllLoggedInUsers(ctx)
}

func (s *instrumentedStore) PutUser(ctx context.Context, u *User) error {
	defer s.observe("put_user", time.Now())
	return s.inner.PutUser(ctx, u)
}

func (s *instrumentedStore) GetPortal(ctx context.Context, key PortalKey) (*Portal, error) {
	defer s.observe("get_portal", time.Now())
	return s.inner.GetPortal(ctx, key)
}

func (s *instrumentedStore) GetPortalByMXID(ctx context.Context, mxid string) (*Portal, error) {
	defer s.observe("get_portal_by_mxid", time.Now())
	return s.inner.GetPortalByMXID(ctx, mxid)
}

func (s *instrumentedStore) PutPortal(ctx context.Context, p *Portal) error {
	defer s.observe("put_portal", time.Now())
	return s.inner.PutPortal(ctx, p)
}

func (s *instrumentedStore) GetPuppet(ctx context.Context, twid int64) (*Puppet, error) {
	defer s.observe("get_puppet", time.Now())
	return s.inner.GetPuppet(ctx, twid)
}

func (s *instrumentedStore) PutPuppet(ctx context.Context, p *Puppet) error {
	defer s.observe("put_puppet", time.Now())
	return s.inner.PutPuppet(ctx, p)
}

func (s *instrumentedStore) GetMessage(ctx context.Context, key PortalKey, twitterID int64) (*Message, error) {
	defer s.observe("get_message", time.Now())
	return s.inner.GetMessage(ctx, key, twitterID)
}

func (s *instrumentedStore) GetMessageByMXID(ctx context.Context, mxid string) (*Message, error) {
	defer s.observe("get_message_by_mxid", time.Now())
	return s.inner.GetMessageByMXID(ctx, mxid)
}

func (s *instrumentedStore) PutMessage(ctx context.Context, m *Message) error {
	defer s.observe("put_message", time.Now())
	return s.inner.PutMessage(ctx, m)
}

func (s *instrumentedStore) GetReaction(ctx context.Context, key PortalKey, messageID, sender int64) (*Reaction, error) {
	defer s.observe("get_reaction", time.Now())
	return s.inner.GetReaction(ctx, key, messageID, sender)
}

func (s *instrumentedStore) GetReactionByMXID(ctx context.Context, mxid string) (*Reaction, error) {
	defer s.observe("get_reaction_by_mxid", time.Now())
	return s.inner.GetReactionByMXID(ctx, mxid)
}

func (s *instrumentedStore) PutReaction(ctx context.Context, r *Reaction) error {
	defer s.observe("put_reaction", time.Now())
	return s.inner.PutReaction(ctx, r)
}

func (s *instrumentedStore) DeleteReaction(ctx context.Context, key PortalKey, messageID, sender int64) error {
	defer s.observe("delete_reaction", time.Now())
	return s.inner.DeleteReaction(ctx, key, messageID, sender)
}
