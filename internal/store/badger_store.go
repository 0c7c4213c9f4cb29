// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is a key-value Store backend. Layout:
//   - user:<mxid>                          (JSON User)
//   - usertw:<twid>                        (mxid, secondary index)
//   - portal:<conv>/<receiver>             (JSON Portal)
//   - portalmx:<room mxid>                 (portal key, secondary index)
//   - puppet:<twid>                        (JSON Puppet)
//   - msg:<conv>/<receiver>/<id>           (JSON Message)
//   - msgmx:<event mxid>                   (message key, secondary index)
//   - react:<conv>/<receiver>/<id>/<sender> (JSON Reaction)
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a Badger store at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger store: open %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func userKey(mxid string) []byte     { return []byte("user:" + mxid) }
func userTwKey(twid int64) []byte    { return fmt.Appendf(nil, "usertw:%d", twid) }
func portalKey(k PortalKey) []byte   { return []byte("portal:" + k.String()) }
func portalMxKey(mxid string) []byte { return []byte("portalmx:" + mxid) }
func puppetKey(twid int64) []byte    { return fmt.Appendf(nil, "puppet:%d", twid) }

func messageKeyOf(k PortalKey, id int64) []byte {
	return fmt.Appendf(nil, "msg:%s/%d", k.String(), id)
}

func messageMxKey(mxid string) []byte { return []byte("msgmx:" + mxid) }

func reactionKeyOf(k PortalKey, messageID, sender int64) []byte {
	return fmt.Appendf(nil, "react:%s/%d/%d", k.String(), messageID, sender)
}

func reactionMxKey(mxid string) []byte { return []byte("reactmx:" + mxid) }

func getJSON[T any](txn *badger.Txn, key []byte) (*T, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out T
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, buf)
}

func (s *BadgerStore) GetUserByMXID(_ context.Context, mxid string) (*User, error) {
	var out *User
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[User](txn, userKey(mxid))
		return err
	})
	return out, err
}

func (s *BadgerStore) GetUserByTwitterID(_ context.Context, twid int64) (*User, error) {
	var out *User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userTwKey(twid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var mxid string
		if err := item.Value(func(val []byte) error {
			mxid = string(val)
			return nil
		}); err != nil {
			return err
		}
		out, err = getJSON[User](txn, userKey(mxid))
		return err
	})
	return out, err
}

func (s *BadgerStore) AllLoggedInUsers(_ context.Context) ([]*User, error) {
	var users []*User
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("user:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var u User
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &u)
			}); err != nil {
				return err
			}
			if u.TwitterID != 0 && u.AuthToken != "" {
				cp := u
				users = append(users, &cp)
			}
		}
		return nil
	})
	return users, err
}

func (s *BadgerStore) PutUser(_ context.Context, u *User) error {
	return s.db.Update(func(txn *badger.Txn) error {
		// Drop a stale secondary index entry when the twid changed or cleared.
		if old, err := getJSON[User](txn, userKey(u.MXID)); err != nil {
			return err
		} else if old != nil && old.TwitterID != 0 && old.TwitterID != u.TwitterID {
			if err := txn.Delete(userTwKey(old.TwitterID)); err != nil {
				return err
			}
		}
		if err := setJSON(txn, userKey(u.MXID), u); err != nil {
			return err
		}
		if u.TwitterID != 0 {
			return txn.Set(userTwKey(u.TwitterID), []byte(u.MXID))
		}
		return nil
	})
}

func (s *BadgerStore) GetPortal(_ context.Context, key PortalKey) (*Portal, error) {
	var out *Portal
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[Portal](txn, portalKey(key))
		return err
	})
	return out, err
}

func (s *BadgerStore) GetPortalByMXID(_ context.Context, mxid string) (*Portal, error) {
	if mxid == "" {
		return nil, nil
	}
	var out *Portal
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(portalMxKey(mxid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var raw []byte
		if err := item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		out, err = getJSON[Portal](txn, raw)
		return err
	})
	return out, err
}

func (s *BadgerStore) PutPortal(_ context.Context, p *Portal) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, portalKey(p.Key), p); err != nil {
			return err
		}
		if p.MXID != "" {
			return txn.Set(portalMxKey(p.MXID), portalKey(p.Key))
		}
		return nil
	})
}

func (s *BadgerStore) GetPuppet(_ context.Context, twid int64) (*Puppet, error) {
	var out *Puppet
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[Puppet](txn, puppetKey(twid))
		return err
	})
	return out, err
}

func (s *BadgerStore) PutPuppet(_ context.Context, p *Puppet) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, puppetKey(p.TwitterID), p)
	})
}

func (s *BadgerStore) GetMessage(_ context.Context, key PortalKey, twitterID int64) (*Message, error) {
	var out *Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[Message](txn, messageKeyOf(key, twitterID))
		return err
	})
	return out, err
}

func (s *BadgerStore) GetMessageByMXID(_ context.Context, mxid string) (*Message, error) {
	var out *Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageMxKey(mxid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var raw []byte
		if err := item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		out, err = getJSON[Message](txn, raw)
		return err
	})
	return out, err
}

func (s *BadgerStore) PutMessage(_ context.Context, m *Message) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := messageKeyOf(m.Key, m.TwitterID)
		if err := setJSON(txn, key, m); err != nil {
			return err
		}
		return txn.Set(messageMxKey(m.MXID), key)
	})
}

func (s *BadgerStore) GetReaction(_ context.Context, key PortalKey, messageID, sender int64) (*Reaction, error) {
	var out *Reaction
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[Reaction](txn, reactionKeyOf(key, messageID, sender))
		return err
	})
	return out, err
}

func (s *BadgerStore) GetReactionByMXID(_ context.Context, mxid string) (*Reaction, error) {
	if mxid == "" {
		return nil, nil
	}
	var out *Reaction
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(reactionMxKey(mxid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var raw []byte
		if err := item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		out, err = getJSON[Reaction](txn, raw)
		return err
	})
	return out, err
}

func (s *BadgerStore) PutReaction(_ context.Context, r *Reaction) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := reactionKeyOf(r.Key, r.MessageID, r.Sender)
		// An upsert can change the annotation event; drop the stale index.
		if old, err := getJSON[Reaction](txn, key); err != nil {
			return err
		} else if old != nil && old.MXID != "" && old.MXID != r.MXID {
			if err := txn.Delete(reactionMxKey(old.MXID)); err != nil {
				return err
			}
		}
		if err := setJSON(txn, key, r); err != nil {
			return err
		}
		if r.MXID != "" {
			return txn.Set(reactionMxKey(r.MXID), key)
		}
		return nil
	})
}

func (s *BadgerStore) DeleteReaction(_ context.Context, key PortalKey, messageID, sender int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		k := reactionKeyOf(key, messageID, sender)
		if old, err := getJSON[Reaction](txn, k); err != nil {
			return err
		} else if old != nil && old.MXID != "" {
			if err := txn.Delete(reactionMxKey(old.MXID)); err != nil {
				return err
			}
		}
		err := txn.Delete(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
