package call

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/proto"
	"github.com/Enclicainteractive/voltage-server/internal/store/sqlite"
)

// fixture wires a call machine over an in-memory store with a manual clock
// and captured ring timers.
type fixture struct {
	state  *core.State
	m      *Machine
	clock  time.Time
	timers []func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", func(db *sql.DB) error {
		seed := `
		INSERT INTO users (id, username, email, display_name, avatar)
		VALUES ('u-alice', 'alice', 'alice@example.org', 'Alice', 'a.png'),
		       ('u-bob', 'bob', 'bob@example.org', 'Bob', ''),
		       ('u-carol', 'carol', 'carol@example.org', 'Carol', ''),
		       ('u-mallory', 'mallory', 'mallory@example.org', 'Mallory', '');

		INSERT INTO user_blocks (user_id, blocked_id) VALUES ('u-alice', 'u-mallory');
		`
		_, err := db.Exec(seed)
		return err
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	f := &fixture{
		state: core.NewState(),
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.m = NewMachine(f.state, st, st, &logger)
	f.m.now = func() time.Time { return f.clock }
	f.m.schedule = func(d time.Duration, fn func()) { f.timers = append(f.timers, fn) }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

// fire runs and clears the captured ring timers.
func (f *fixture) fire() {
	timers := f.timers
	f.timers = nil
	for _, fn := range timers {
		fn()
	}
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

func errCode(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error")
	}
	return core.AsCoreError(err).Code
}

func TestInitiateRingsBothSides(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	bob := f.session(t, "u-bob")
	ctx := context.Background()

	c, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if c.Status != StatusRinging || c.CallerID != "u-alice" {
		t.Fatalf("unexpected call: %+v", c)
	}

	ringing := mustEvent(t, alice.Events, proto.OutCallRinging)
	if ringing.Data.(Payload).CallID != c.ID {
		t.Fatalf("unexpected ringing payload: %+v", ringing.Data)
	}

	incoming := mustEvent(t, bob.Events, proto.OutCallIncoming)
	ip := incoming.Data.(IncomingPayload)
	if ip.CallerName != "Alice" || ip.CallerAvatar != "a.png" {
		t.Fatalf("caller identity must be resolved from the directory: %+v", ip)
	}
	if ip.ConversationID != "conv-1" || ip.Type != TypeAudio {
		t.Fatalf("unexpected incoming payload: %+v", ip)
	}

	pending := f.m.PendingFor("u-bob")
	if len(pending) != 1 || pending[0].CallID != c.ID {
		t.Fatalf("expected one pending entry, got %+v", pending)
	}
	if len(f.timers) != 1 {
		t.Fatalf("expected a scheduled ring timer")
	}
}

func TestInitiateGuards(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	f.session(t, "u-bob")
	f.session(t, "u-mallory")
	ctx := context.Background()

	if code := errCode(t, errOnly(f.m.Initiate(ctx, alice, "u-alice", "c", TypeAudio))); code != core.ErrCodeInvalidArgument {
		t.Fatalf("self-call: expected INVALID_ARGUMENT, got %s", code)
	}
	if code := errCode(t, errOnly(f.m.Initiate(ctx, alice, "u-offline", "c", TypeAudio))); code != core.ErrCodeUserOffline {
		t.Fatalf("offline: expected USER_OFFLINE, got %s", code)
	}
	if code := errCode(t, errOnly(f.m.Initiate(ctx, alice, "u-mallory", "c", TypeAudio))); code != core.ErrCodePermissionDenied {
		t.Fatalf("blocked: expected PERMISSION_DENIED, got %s", code)
	}

	if _, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if code := errCode(t, errOnly(f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeVideo))); code != core.ErrCodeCallInProgress {
		t.Fatalf("busy pair: expected CALL_IN_PROGRESS, got %s", code)
	}
}

func errOnly(_ *Call, err error) error { return err }

func TestAcceptConnectsBothSides(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	bob := f.session(t, "u-bob")
	ctx := context.Background()

	c, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	drain(alice.Events)
	drain(bob.Events)

	if code := errCode(t, f.m.Accept(ctx, alice, c.ID)); code != core.ErrCodeUnauthorized {
		t.Fatalf("caller accepting own call: expected UNAUTHORIZED, got %s", code)
	}

	if err := f.m.Accept(ctx, bob, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	accepted := mustEvent(t, alice.Events, proto.OutCallAccepted)
	if accepted.Data.(Payload).Status != StatusActive {
		t.Fatalf("expected active status, got %+v", accepted.Data)
	}
	mustEvent(t, alice.Events, proto.OutCallConnected)
	mustEvent(t, bob.Events, proto.OutCallConnected)

	if len(f.m.PendingFor("u-bob")) != 0 {
		t.Fatalf("pending entry must clear on accept")
	}
	if code := errCode(t, f.m.Accept(ctx, bob, c.ID)); code != core.ErrCodeNotFound {
		t.Fatalf("double accept: expected NOT_FOUND, got %s", code)
	}
}

func TestEndWritesLogAndSystemMessage(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	bob := f.session(t, "u-bob")
	ctx := context.Background()
	f.state.Join(alice, core.DMRoom("conv-1"))

	c, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.m.Accept(ctx, bob, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	drain(alice.Events)
	drain(bob.Events)

	f.advance(95 * time.Second)
	if err := f.m.End(ctx, alice, c.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	ended := mustEvent(t, bob.Events, proto.OutCallEnded)
	ep := ended.Data.(EndedPayload)
	if ep.Reason != "ended" || ep.Duration != 95 {
		t.Fatalf("unexpected ended payload: %+v", ep)
	}

	// alice's dm room frame arrives before her call:ended frame
	dm := mustEvent(t, alice.Events, proto.OutDMNew)
	payload := dm.Data.(map[string]any)
	if payload["content"] != "📞 Call ended · 1m 35s" {
		t.Fatalf("unexpected system message: %v", payload["content"])
	}
	if payload["system"] != true {
		t.Fatalf("call summary must be a system message")
	}
	mustEvent(t, alice.Events, proto.OutCallEnded)

	logs, err := f.m.History(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != "ended" || logs[0].Duration != 95 {
		t.Fatalf("unexpected call log: %+v", logs)
	}

	if code := errCode(t, f.m.End(ctx, alice, c.ID)); code != core.ErrCodeNotFound {
		t.Fatalf("double end: expected NOT_FOUND, got %s", code)
	}
}

func TestRingTimeoutGoesMissed(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	bob := f.session(t, "u-bob")
	ctx := context.Background()
	f.state.Join(alice, core.DMRoom("conv-1"))

	if _, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	drain(alice.Events)
	drain(bob.Events)

	f.advance(RingTimeout)
	f.fire()

	ended := mustEvent(t, bob.Events, proto.OutCallEnded)
	if ended.Data.(EndedPayload).Reason != "missed" {
		t.Fatalf("unexpected reason: %+v", ended.Data)
	}
	missed := mustEvent(t, bob.Events, proto.OutCallMissed)
	if missed.Data.(Payload).CallerID != "u-alice" {
		t.Fatalf("unexpected missed payload: %+v", missed.Data)
	}
	dm := mustEvent(t, alice.Events, proto.OutDMNew)
	if dm.Data.(map[string]any)["content"] != "📞 Missed call" {
		t.Fatalf("unexpected system message: %v", dm.Data)
	}
	mustNoEvent(t, alice.Events, proto.OutCallMissed)
	if len(f.m.PendingFor("u-bob")) != 0 {
		t.Fatalf("pending entry must clear on timeout")
	}
}

func TestRingTimerIsNoOpAfterAccept(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	bob := f.session(t, "u-bob")
	ctx := context.Background()

	c, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.m.Accept(ctx, bob, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	drain(alice.Events)
	drain(bob.Events)

	f.advance(RingTimeout)
	f.fire()

	mustNoEvent(t, alice.Events, proto.OutCallEnded)
	mustNoEvent(t, bob.Events, proto.OutCallEnded)
}

func TestDeclineRequiresRecipient(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	bob := f.session(t, "u-bob")
	ctx := context.Background()
	f.state.Join(alice, core.DMRoom("conv-1"))

	c, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	drain(alice.Events)

	if code := errCode(t, f.m.Decline(ctx, alice, c.ID)); code != core.ErrCodeUnauthorized {
		t.Fatalf("caller declining: expected UNAUTHORIZED, got %s", code)
	}
	if err := f.m.Decline(ctx, bob, c.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}

	dm := mustEvent(t, alice.Events, proto.OutDMNew)
	if dm.Data.(map[string]any)["content"] != "📞 Call declined" {
		t.Fatalf("unexpected system message: %v", dm.Data)
	}
	ended := mustEvent(t, alice.Events, proto.OutCallEnded)
	if ended.Data.(EndedPayload).Reason != "declined" {
		t.Fatalf("unexpected reason: %+v", ended.Data)
	}
}

func TestInitiateBusyWithAnyLiveCall(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	bob := f.session(t, "u-bob")
	carol := f.session(t, "u-carol")
	ctx := context.Background()

	c, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.m.Accept(ctx, bob, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	drain(alice.Events)
	drain(bob.Events)
	drain(carol.Events)

	if code := errCode(t, errOnly(f.m.Initiate(ctx, alice, "u-carol", "conv-2", TypeAudio))); code != core.ErrCodeCallInProgress {
		t.Fatalf("caller in active call: expected CALL_IN_PROGRESS, got %s", code)
	}
	if code := errCode(t, errOnly(f.m.Initiate(ctx, carol, "u-bob", "conv-3", TypeAudio))); code != core.ErrCodeCallInProgress {
		t.Fatalf("recipient in active call: expected CALL_IN_PROGRESS, got %s", code)
	}

	// ending the call frees both parties again
	if err := f.m.End(ctx, alice, c.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := f.m.Initiate(ctx, alice, "u-carol", "conv-2", TypeAudio); err != nil {
		t.Fatalf("initiate after end: %v", err)
	}
}

func TestCancelRequiresCaller(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	bob := f.session(t, "u-bob")
	ctx := context.Background()

	c, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	drain(bob.Events)

	if code := errCode(t, f.m.Cancel(ctx, bob, c.ID)); code != core.ErrCodeUnauthorized {
		t.Fatalf("recipient cancelling: expected UNAUTHORIZED, got %s", code)
	}
	if err := f.m.Cancel(ctx, alice, c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ended := mustEvent(t, bob.Events, proto.OutCallEnded)
	if ended.Data.(EndedPayload).Reason != "cancelled" {
		t.Fatalf("unexpected reason: %+v", ended.Data)
	}
	if len(f.m.PendingFor("u-bob")) != 0 {
		t.Fatalf("pending entry must clear on cancel")
	}
}

func TestDisconnectSweepEndsCallsAndClearsPending(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	bob := f.session(t, "u-bob")
	ctx := context.Background()

	c, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.m.Accept(ctx, bob, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	drain(alice.Events)
	drain(bob.Events)

	f.m.DisconnectSweep("u-alice")

	ended := mustEvent(t, bob.Events, proto.OutCallEnded)
	if ended.Data.(EndedPayload).Reason != "disconnected" {
		t.Fatalf("unexpected reason: %+v", ended.Data)
	}
	if len(f.m.PendingFor("u-bob")) != 0 {
		t.Fatalf("pending entries from the disconnected caller must clear")
	}
}

func TestRelayAndNotifyReachOtherPartyOnly(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "u-alice")
	bob := f.session(t, "u-bob")
	carol := f.session(t, "u-carol")
	ctx := context.Background()

	c, err := f.m.Initiate(ctx, alice, "u-bob", "conv-1", TypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	drain(alice.Events)
	drain(bob.Events)

	f.m.Relay(alice, proto.OutCallOffer, SignalPayload{CallID: c.ID, Signal: []byte(`{"sdp":"x"}`)})
	offer := mustEvent(t, bob.Events, proto.OutCallOffer)
	if offer.Data.(SignalPayload).From != "u-alice" {
		t.Fatalf("expected stamped sender: %+v", offer.Data)
	}

	// outsiders and unknown calls are dropped silently
	f.m.Relay(carol, proto.OutCallOffer, SignalPayload{CallID: c.ID})
	f.m.Relay(alice, proto.OutCallOffer, SignalPayload{CallID: "nope"})
	mustNoEvent(t, alice.Events, proto.OutCallOffer)
	mustNoEvent(t, bob.Events, proto.OutCallOffer)

	f.m.Notify(bob, proto.OutCallUserMuted, c.ID, true)
	muted := mustEvent(t, alice.Events, proto.OutCallUserMuted)
	sp := muted.Data.(StatePayload)
	if sp.UserID != "u-bob" || !sp.Active {
		t.Fatalf("unexpected mute notification: %+v", sp)
	}
	mustNoEvent(t, bob.Events, proto.OutCallUserMuted)
}
