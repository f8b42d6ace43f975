// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgerlite

import (
	"context"
	"errors"
	"time"
)

// Sync event types
const (
	EventSyncStarted       = "sync_started"
	EventSyncCompleted     = "sync_completed"
	EventSyncFailed        = "sync_failed"
	EventOperationRejected = "operation_rejected"
	EventOperationFailed   = "operation_failed"
)

// ErrAlreadyStarted is returned by Start when the background loop is running
var ErrAlreadyStarted = errors.New("background sync already started")

// SyncEvent reports session progress to subscribers
type SyncEvent struct {
	Type       string      `json:"type"`
	At         time.Time   `json:"at"`
	OpID       string      `json:"opId,omitempty"`
	EntityType string      `json:"entityType,omitempty"`
	ClientID   string      `json:"clientId,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Result     *SyncResult `json:"result,omitempty"`
	Err        error       `json:"-"`
}

// SyncResult is the outcome of one push-then-pull session
type SyncResult struct {
	Push       *PushResult  `json:"push"`
	Pulls      []PullResult `json:"pulls"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Sync runs one session: push the mutation log, then pull every configured type.
// Concurrent callers share the session already running instead of starting another.
// Each caller stops waiting when its own ctx is done; the session itself is cancelled
// only once every caller has stopped waiting or the client is closed.
func (c *Client) Sync(ctx context.Context) (*SyncResult, error) {
	for {
		if c.lifetime.Err() != nil {
			return nil, ErrClientClosed
		}
		s := c.joinSession()
		ch := c.sessions.DoChan(c.DeviceID, func() (any, error) {
			return c.runSession(s.ctx)
		})
		select {
		case res := <-ch:
			c.leaveSession(s)
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil && c.lifetime.Err() == nil {
				// Joined a session its own callers abandoned; run a fresh one.
				continue
			}
			out, _ := res.Val.(*SyncResult)
			return out, res.Err
		case <-ctx.Done():
			c.leaveSession(s)
			return nil, ctx.Err()
		}
	}
}

type sharedSession struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (c *Client) joinSession() *sharedSession {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.shared == nil || c.shared.ctx.Err() != nil {
		ctx, cancel := context.WithCancel(c.lifetime)
		c.shared = &sharedSession{ctx: ctx, cancel: cancel}
	}
	c.shared.waiters++
	return c.shared
}

func (c *Client) leaveSession(s *sharedSession) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	s.waiters--
	if s.waiters > 0 {
		return
	}
	s.cancel()
	if c.shared == s {
		c.shared = nil
	}
}

func (c *Client) runSession(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartedAt: c.now()}
	c.publish(SyncEvent{Type: EventSyncStarted, At: result.StartedAt})
	c.logger.Debug("Sync session started")

	push, err := c.Push(ctx)
	result.Push = push
	if err == nil {
		result.Pulls, err = c.PullAll(ctx)
	}
	result.FinishedAt = c.now()

	if err != nil {
		c.logger.Warn("Sync session failed", "error", err, "duration", result.FinishedAt.Sub(result.StartedAt))
		c.publish(SyncEvent{Type: EventSyncFailed, At: result.FinishedAt, Result: result, Reason: err.Error(), Err: err})
		return result, err
	}
	c.logger.Info("Sync session completed",
		"sent", push.Sent, "acknowledged", push.Acknowledged, "conflicts", push.Conflicts,
		"rejected", push.Rejected, "failed", push.Failed,
		"duration", result.FinishedAt.Sub(result.StartedAt))
	c.publish(SyncEvent{Type: EventSyncCompleted, At: result.FinishedAt, Result: result})
	return result, nil
}

// Subscribe registers for sync events. Events are dropped for a subscriber whose
// buffer is full. The returned func unsubscribes and closes the channel.
func (c *Client) Subscribe(buffer int) (<-chan SyncEvent, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan SyncEvent, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Client) publish(ev SyncEvent) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("Dropped sync event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}

// Start runs Sync every SyncInterval until ctx is done or the client is closed.
// After a failed session the next attempt waits with exponential backoff bounded
// by BackoffMax.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go func() {
		defer c.started.Store(false)
		failures := 0
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.lifetime.Done():
				return
			case <-timer.C:
			}

			wait := c.config.SyncInterval
			if !c.paused.Load() {
				if _, err := c.Sync(ctx); err != nil && ctx.Err() == nil {
					failures++
					if d := c.backoffFor(failures); d > 0 {
						wait = d
					}
				} else {
					failures = 0
				}
			}
			if wait <= 0 {
				wait = time.Second
			}
			timer.Reset(wait)
		}
	}()
	return nil
}

// Pause suspends background sessions. Explicit Sync calls still run.
func (c *Client) Pause() { c.paused.Store(true) }

// Resume re-enables background sessions
func (c *Client) Resume() { c.paused.Store(false) }

// Paused reports whether background sessions are suspended
func (c *Client) Paused() bool { return c.paused.Load() }
