// Package server maintains the broadcast-group registry: named rooms holding
// the connections that should receive a chat's traffic or a category lobby's
// notifications.
package server

import (
	"encoding/json"
	"log"
)

// Room keys. A chat room carries both participants of one chat; a lobby room
// carries every doctor subscribed to a category.
func chatRoom(chatID string) string    { return "chat:" + chatID }
func lobbyRoom(category string) string { return "doctors:" + category }

// roomSet maps room keys to member connections. It holds weak references
// only: the connection layer owns the sockets, the registry merely indexes
// them. All methods must run under the owning Router's lock.
type roomSet struct {
	rooms map[string]map[*Client]struct{}
}

func newRoomSet() *roomSet {
	return &roomSet{rooms: make(map[string]map[*Client]struct{})}
}

func (rs *roomSet) join(key string, c *Client) {
	if rs.rooms[key] == nil {
		rs.rooms[key] = make(map[*Client]struct{})
	}
	rs.rooms[key][c] = struct{}{}
}

func (rs *roomSet) leave(key string, c *Client) {
	if members, ok := rs.rooms[key]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(rs.rooms, key)
		}
	}
}

// leaveAll drops the connection from every room it is a member of.
func (rs *roomSet) leaveAll(c *Client) {
	for key, members := range rs.rooms {
		if _, ok := members[c]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(rs.rooms, key)
			}
		}
	}
}

// evict removes every member of a room at once, deleting the room.
func (rs *roomSet) evict(key string) {
	delete(rs.rooms, key)
}

// broadcast marshals v and enqueues it to every member of the room,
// including the member that triggered it. Slow members are skipped rather
// than blocking the router.
func (rs *roomSet) broadcast(key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("Error marshaling broadcast for %s: %v", key, err)
		return
	}
	rs.broadcastRaw(key, payload)
}

// broadcastRaw enqueues an already-marshaled frame to every member.
func (rs *roomSet) broadcastRaw(key string, payload []byte) {
	for c := range rs.rooms[key] {
		if !c.deliver(payload) {
			log.Printf("Dropping broadcast to %s: send buffer full or closed", c.addr)
		}
	}
}
