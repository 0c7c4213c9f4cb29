// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and throwaway deployments.
// All returned records are copies; mutating them does not change the store.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]User
	portals   map[PortalKey]Portal
	puppets   map[int64]Puppet
	messages  map[messageKey]Message
	reactions map[reactionKey]Reaction
}

type messageKey struct {
	portal PortalKey
	id     int64
}

type reactionKey struct {
	portal    PortalKey
	messageID int64
	sender    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]User),
		portals:   make(map[PortalKey]Portal),
		puppets:   make(map[int64]Puppet),
		messages:  make(map[messageKey]Message),
		reactions: make(map[reactionKey]Reaction),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetUserByMXID(_ context.Context, mxid string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[mxid]; ok {
		cp := u
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetUserByTwitterID(_ context.Context, twid int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.TwitterID == twid {
			cp := u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) AllLoggedInUsers(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*User
	for _, u := range s.users {
		if u.TwitterID != 0 && u.AuthToken != "" {
			cp := u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.MXID] = *u
	return nil
}

func (s *MemoryStore) GetPortal(_ context.Context, key PortalKey) (*Portal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.portals[key]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetPortalByMXID(_ context.Context, mxid string) (*Portal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if mxid == "" {
		return nil, nil
	}
	for _, p := range s.portals {
		if p.MXID == mxid {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PutPortal(_ context.Context, p *Portal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portals[p.Key] = *p
	return nil
}

func (s *MemoryStore) GetPuppet(_ context.Context, twid int64) (*Puppet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.puppets[twid]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutPuppet(_ context.Context, p *Puppet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puppets[p.TwitterID] = *p
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, key PortalKey, twitterID int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.messages[messageKey{key, twitterID}]; ok {
		cp := m
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetMessageByMXID(_ context.Context, mxid string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.MXID == mxid {
			cp := m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PutMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[messageKey{m.Key, m.TwitterID}] = *m
	return nil
}

func (s *MemoryStore) GetReaction(_ context.Context, key PortalKey, messageID, sender int64) (*Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.reactions[reactionKey{key, messageID, sender}]; ok {
		cp := r
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetReactionByMXID(_ context.Context, mxid string) (*Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if mxid == "" {
		return nil, nil
	}
	for _, r := range s.reactions {
		if r.MXID == mxid {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PutReaction(_ context.Context, r *Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions[reactionKey{r.Key, r.MessageID, r.Sender}] = *r
	return nil
}

func (s *MemoryStore) DeleteReaction(_ context.Context, key PortalKey, messageID, sender int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reactions, reactionKey{key, messageID, sender})
	return nil
}
