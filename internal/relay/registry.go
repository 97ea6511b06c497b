package relay

import "sync"

// Registry is the in-memory index of room membership: room -> member refs,
// plus a reverse ref -> room index so that leave-on-disconnect is O(1).
//
// Rooms exist implicitly: created on first join, deleted when the last member
// leaves. A ref belongs to at most one room at a time; joining a new room
// implicitly leaves the previous one.
//
// Join and Leave return membership snapshots taken under the same lock as the
// mutation, so the presence broadcast they feed is always computed against a
// consistent member list.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
	byRef map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
		byRef: make(map[string]string),
	}
}

// Join adds ref to room. It returns the room left (with its remaining members)
// when ref was previously a member elsewhere, and the new room's member
// snapshot including ref. Joining the current room again is a no-op.
func (r *Registry) Join(room, ref string) (prevRoom string, prevMembers, members []string) {
	_, prevRoom, prevMembers, members = r.JoinLimited(room, ref, 0)
	return prevRoom, prevMembers, members
}

// JoinLimited is Join with a room capacity. When maxMembers > 0 and the room
// already holds that many members, the join is rejected and no state changes.
// Rejoining a room the ref is already a member of never counts against the
// capacity.
func (r *Registry) JoinLimited(room, ref string, maxMembers int) (ok bool, prevRoom string, prevMembers, members []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, joined := r.byRef[ref]; joined && prev == room {
		return true, "", nil, r.membersLocked(room)
	}
	if maxMembers > 0 && len(r.rooms[room]) >= maxMembers {
		return false, "", nil, nil
	}

	if prev, joined := r.byRef[ref]; joined {
		r.removeLocked(prev, ref)
		prevRoom = prev
		prevMembers = r.membersLocked(prev)
	}

	set, exists := r.rooms[room]
	if !exists {
		set = make(map[string]struct{})
		r.rooms[room] = set
	}
	set[ref] = struct{}{}
	r.byRef[ref] = room
	return true, prevRoom, prevMembers, r.membersLocked(room)
}

// Leave removes ref from whatever room it is in and returns that room along
// with the remaining members. Removing an unknown ref is a no-op.
func (r *Registry) Leave(ref string) (room string, remaining []string, wasMember bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.byRef[ref]
	if !ok {
		return "", nil, false
	}
	r.removeLocked(room, ref)
	return room, r.membersLocked(room), true
}

func (r *Registry) removeLocked(room, ref string) {
	delete(r.byRef, ref)
	if set, ok := r.rooms[room]; ok {
		delete(set, ref)
		if len(set) == 0 {
			delete(r.rooms, room)
		}
	}
}

func (r *Registry) membersLocked(room string) []string {
	set, ok := r.rooms[room]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for ref := range set {
		out = append(out, ref)
	}
	return out
}

// Room returns the room ref currently belongs to.
func (r *Registry) Room(ref string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.byRef[ref]
	return room, ok
}

// MembersOf returns a snapshot of the member refs of room.
func (r *Registry) MembersOf(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked(room)
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
