package events

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeRolloutStarted    = "rollout.started"
	TypeRolloutPromoted   = "rollout.promoted"
	TypeRolloutRolledBack = "rollout.rolled_back"
	TypeRolloutCancelled  = "rollout.cancelled"
	TypeVersionActivated  = "version.activated"
)

// Event is a notification about a rollout or version transition.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	Type      string     `json:"type"`
	AgentID   string     `json:"agentId"`
	RolloutID *uuid.UUID `json:"rolloutId,omitempty"`
	VersionID *uuid.UUID `json:"versionId,omitempty"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	At        time.Time  `json:"at"`
}

// Sink receives events after the transition they describe has committed.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// LogSink writes one line per event.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(log.Writer(), "[events] ", log.LstdFlags)
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, ev Event) error {
	target := "-"
	if ev.RolloutID != nil {
		target = "rollout=" + ev.RolloutID.String()
	} else if ev.VersionID != nil {
		target = "version=" + ev.VersionID.String()
	}
	s.logger.Printf("%s agent=%s %s status=%s actor=%s reason=%q", ev.Type, ev.AgentID, target, ev.Status, ev.Actor, ev.Reason)
	return nil
}

// MultiSink publishes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the type of every recorded event in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
