package server

import (
	"encoding/json"
	"testing"
)

func TestRoomJoinAndBroadcast(t *testing.T) {
	r := newTestRouter()
	rs := newRoomSet()
	a := newTestClient(r, "a")
	b := newTestClient(r, "b")

	rs.join("chat:x", a)
	rs.join("chat:x", b)

	rs.broadcast("chat:x", ChatEndedEvent{Type: TypeChatEnded, ChatID: "x"})

	for _, c := range []*Client{a, b} {
		select {
		case payload := <-c.send:
			var event ChatEndedEvent
			if err := json.Unmarshal(payload, &event); err != nil || event.ChatID != "x" {
				t.Errorf("Unexpected broadcast payload %s (%v)", payload, err)
			}
		default:
			t.Errorf("Member %s missed the broadcast", c.addr)
		}
	}
}

func TestRoomLeaveStopsDelivery(t *testing.T) {
	r := newTestRouter()
	rs := newRoomSet()
	a := newTestClient(r, "a")
	b := newTestClient(r, "b")

	rs.join("chat:x", a)
	rs.join("chat:x", b)
	rs.leave("chat:x", a)

	rs.broadcast("chat:x", ChatEndedEvent{Type: TypeChatEnded, ChatID: "x"})

	select {
	case payload := <-a.send:
		t.Errorf("Departed member received %s", payload)
	default:
	}
	select {
	case <-b.send:
	default:
		t.Error("Remaining member missed the broadcast")
	}
}

func TestRoomLeaveAllRemovesEveryMembership(t *testing.T) {
	rs := newRoomSet()
	r := newTestRouter()
	a := newTestClient(r, "a")

	rs.join("chat:x", a)
	rs.join("doctors:Heart", a)
	rs.join("doctors:Joint", a)

	rs.leaveAll(a)

	if len(rs.rooms) != 0 {
		t.Errorf("Expected all rooms emptied and deleted, got %v", rs.rooms)
	}
}

func TestRoomEvictDropsRoom(t *testing.T) {
	rs := newRoomSet()
	r := newTestRouter()
	a := newTestClient(r, "a")
	rs.join("chat:x", a)

	rs.evict("chat:x")

	if _, ok := rs.rooms["chat:x"]; ok {
		t.Error("Evicted room still present")
	}
	rs.broadcast("chat:x", ChatEndedEvent{Type: TypeChatEnded, ChatID: "x"})
	select {
	case payload := <-a.send:
		t.Errorf("Evicted member received %s", payload)
	default:
	}
}

func TestBroadcastSkipsFullBuffers(t *testing.T) {
	rs := newRoomSet()
	r := newTestRouter()
	slow := newTestClient(r, "slow")
	// Fill the send buffer so the next delivery must be dropped, not block.
	for i := 0; i < cap(slow.send); i++ {
		slow.send <- []byte("{}")
	}
	rs.join("chat:x", slow)

	// Must return without blocking and without growing the queue.
	rs.broadcast("chat:x", ChatEndedEvent{Type: TypeChatEnded, ChatID: "x"})

	if len(slow.send) != cap(slow.send) {
		t.Errorf("Send queue changed size: %d", len(slow.send))
	}
}
