package hass

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ottohome/ottoengine/internal/model"
)

// retryInterval is the pause between failed connection attempts.
const retryInterval = 3 * time.Second

// defaultSubscriptions are the event types every session registers.
var defaultSubscriptions = []string{
	model.EventTypeStateChanged,
	"timer_ended",
}

// ServiceCaller is the outbound half of a live session, handed to the
// sink on every rebuild.
type ServiceCaller interface {
	CallService(ctx context.Context, call model.ServiceCall) error
}

// EngineSink receives everything the supervisor extracts from the
// connection. The engine implements it.
type EngineSink interface {
	// Rebuild is called once per established session, after
	// subscriptions are registered: the sink replaces its entity
	// snapshot and service registry, rebinds its outbound connection,
	// and reloads rules.
	Rebuild(ctx context.Context, conn ServiceCaller,
		states []*model.EntityState, services []model.ServiceRegistration) error

	// RouteEvent delivers one decoded event: either a
	// *model.StateChangedEvent or a *model.HassEvent.
	RouteEvent(ev any)
}

// Supervisor keeps one session alive: connect, subscribe, snapshot,
// hand off to the sink, then pump events until the connection dies and
// start over. A dead connection is closed forcibly so a fresh session
// starts from a clean handshake.
type Supervisor struct {
	newClient func() *Client
	sink      EngineSink
	logger    *slog.Logger
}

// NewSupervisor builds a Supervisor. newClient must return a fresh
// unconnected Client on each call.
func NewSupervisor(newClient func() *Client, sink EngineSink, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{newClient: newClient, sink: sink, logger: logger}
}

// Run supervises sessions until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for ctx.Err() == nil {
		client := s.newClient()
		if err := client.Connect(ctx); err != nil {
			s.logger.Error("connect failed", "error", err)
			if !sleepCtx(ctx, retryInterval) {
				return
			}
			continue
		}

		if err := s.setup(ctx, client); err != nil {
			s.logger.Error("session setup failed", "error", err)
			client.Close()
			if !sleepCtx(ctx, retryInterval) {
				return
			}
			continue
		}

		s.pump(ctx, client)
		client.Close()
		if ctx.Err() == nil {
			s.logger.Warn("connection lost, rebuilding")
		}
	}
}

// setup registers subscriptions, pulls the state and service
// snapshots, and hands the session to the sink.
func (s *Supervisor) setup(ctx context.Context, client *Client) error {
	for _, eventType := range defaultSubscriptions {
		if err := client.Subscribe(ctx, eventType); err != nil {
			return err
		}
	}
	states, err := client.GetStates(ctx)
	if err != nil {
		return err
	}
	services, err := client.GetServices(ctx)
	if err != nil {
		return err
	}
	return s.sink.Rebuild(ctx, client, states, services)
}

// pump decodes event frames into model events and routes them until
// the session ends or ctx is cancelled. A frame that fails to decode
// is logged and skipped; it never takes the session down.
func (s *Supervisor) pump(ctx context.Context, client *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			decoded, err := decodeEvent(ev)
			if err != nil {
				s.logger.Error("malformed event frame",
					"event_type", ev.Type, "error", err)
				continue
			}
			s.sink.RouteEvent(decoded)
		}
	}
}

// decodeEvent refines a raw event frame: state_changed payloads become
// StateChangedEvents, everything else a generic HassEvent.
func decodeEvent(ev Event) (any, error) {
	if ev.Type == model.EventTypeStateChanged {
		var data stateChangedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return nil, err
		}
		return &model.StateChangedEvent{
			EntityID:  data.EntityID,
			OldState:  data.OldState.toModel(),
			NewState:  data.NewState.toModel(),
			TimeFired: ev.TimeFired,
		}, nil
	}
	var data map[string]any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return nil, err
		}
	}
	return &model.HassEvent{
		EventType: ev.Type,
		Data:      data,
		TimeFired: ev.TimeFired,
	}, nil
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
