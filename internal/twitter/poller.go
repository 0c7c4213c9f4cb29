// SPDX-License-Identifier: AGPL-3.0-or-later

package twitter

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/mxbridge/twidm/internal/metrics"
)

// PollerConfig tunes the inbox poll loop.
type PollerConfig struct {
	Interval      time.Duration
	ErrorSleep    time.Duration // first backoff step after a failed poll
	MaxErrorSleep time.Duration
	Clock         clockwork.Clock // nil means the real clock
}

type poller struct {
	client *Client
	cfg    PollerConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the poll loop. It is a no-op if the poller already runs.
// Events are dispatched sequentially on the poller goroutine, so handlers
// observe them in timeline order.
func (c *Client) Start(cfg PollerConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.ErrorSleep <= 0 {
		cfg.ErrorSleep = 5 * time.Second
	}
	if cfg.MaxErrorSleep < cfg.ErrorSleep {
		cfg.MaxErrorSleep = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		client: c,
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.poller != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.poller = p
	c.mu.Unlock()
	go p.run(ctx)
}

// Stop terminates the poll loop and waits for the in-flight poll to finish.
// The wait happens outside the client lock because the poll path takes it.
func (c *Client) Stop() {
	c.mu.Lock()
	p := c.poller
	c.poller = nil
	c.mu.Unlock()
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

// Polling reports whether the poll loop is running.
func (c *Client) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poller != nil
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.ErrorSleep
	bo.MaxInterval = p.cfg.MaxErrorSleep
	bo.MaxElapsedTime = 0 // poll forever
	bo.Reset()

	p.client.log.Info().Str("event", "poll.start").Msg("inbox poller started")
	for {
		err := p.client.pollOnce(ctx)
		var sleep time.Duration
		switch {
		case err == nil:
			bo.Reset()
			sleep = p.cfg.Interval
		case errors.Is(err, context.Canceled):
			p.client.log.Info().Str("event", "poll.stop").Msg("inbox poller stopped")
			return
		default:
			metrics.PollErrors.Inc()
			sleep = bo.NextBackOff()
			p.client.log.Warn().
				Err(err).
				Dur("retry_in", sleep).
				Str("event", "poll.error").
				Msg("inbox poll failed")
		}

		select {
		case <-ctx.Done():
			p.client.log.Info().Str("event", "poll.stop").Msg("inbox poller stopped")
			return
		case <-p.cfg.Clock.After(sleep):
		}
	}
}

// pollOnce runs a single inbox fetch and dispatches everything it returned.
// The first poll after login has no cursor and fetches the full initial
// state; subsequent polls advance through user_updates.
func (c *Client) pollOnce(ctx context.Context) error {
	cursor := c.PollCursor()

	var (
		state *inboxState
		err   error
	)
	if cursor == "" {
		state, err = c.fetchInitialState(ctx)
	} else {
		state, err = c.fetchUserUpdates(ctx, cursor)
	}
	if err != nil {
		return err
	}
	metrics.PollCycles.Inc()

	c.dispatch(state)

	if state.Cursor != "" {
		c.mu.Lock()
		c.pollCursor = state.Cursor
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) dispatch(state *inboxState) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	if h.Conversation != nil {
		for _, conv := range sortedConversations(state.Conversations) {
			metrics.EventsDispatched.WithLabelValues("conversation").Inc()
			h.Conversation(conv)
		}
	}
	if h.User != nil {
		for _, u := range sortedUsers(state.Users) {
			metrics.EventsDispatched.WithLabelValues("user").Inc()
			h.User(u)
		}
	}

	entries := append([]inboxEntry(nil), state.Entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entryID(entries[i]) < entryID(entries[j])
	})
	for _, entry := range entries {
		switch {
		case entry.Message != nil:
			if conv, ok := state.Conversations[entry.Message.ConversationID]; ok {
				entry.Message.Conversation = &conv
			}
			if h.Message != nil {
				metrics.EventsDispatched.WithLabelValues("message").Inc()
				h.Message(*entry.Message)
			}
		case entry.ReactionCreate != nil:
			if h.ReactionCreate != nil {
				metrics.EventsDispatched.WithLabelValues("reaction_create").Inc()
				h.ReactionCreate(*entry.ReactionCreate)
			}
		case entry.ReactionDestroy != nil:
			if h.ReactionDelete != nil {
				metrics.EventsDispatched.WithLabelValues("reaction_delete").Inc()
				h.ReactionDelete(*entry.ReactionDestroy)
			}
		}
	}
}

func entryID(e inboxEntry) ID {
	switch {
	case e.Message != nil:
		return e.Message.ID
	case e.ReactionCreate != nil:
		return e.ReactionCreate.ID
	case e.ReactionDestroy != nil:
		return e.ReactionDestroy.ID
	}
	return 0
}

func sortedConversations(m map[string]Conversation) []Conversation {
	out := make([]Conversation, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

func sortedUsers(m map[string]User) []User {
	out := make([]User, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
