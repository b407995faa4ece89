package core

import (
	"testing"
	"time"
)

func mustEvent(t *testing.T, ch <-chan *Event, name string) *Event {
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

func mustNoEvent(t *testing.T, ch <-chan *Event, name string) {
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

func testUser(id string) *User {
	return &User{ID: id, DisplayName: id}
}
