package voice

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/core"
)

// fixture wires a coordinator over an in-memory presence fabric with a
// manually advanced clock.
type fixture struct {
	state *core.State
	c     *Coordinator
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zerolog.Nop()
	f := &fixture{
		state: core.NewState(),
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.c = NewCoordinator(f.state, DefaultICEServers(), &logger)
	f.c.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) session(t *testing.T, id string) *core.Session {
	t.Helper()

	s := core.NewSession("sess-"+id, &core.User{ID: id, DisplayName: id})
	f.state.Register(s)
	return s
}

func mustEvent(t *testing.T, ch <-chan *core.Event, name string) *core.Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Name == name {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event %q not received", name)
	return nil
}

func mustNoEvent(t *testing.T, ch <-chan *core.Event, name string) {
	t.Helper()

	for {
		select {
		case ev := <-ch:
			if ev != nil && ev.Name == name {
				t.Fatalf("unexpected event %q received: %+v", name, ev.Data)
			}
		default:
			return
		}
	}
}

func drain(ch <-chan *core.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
