package directory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/telsiz/telsiz/model"
)

var (
	ErrAccessDenied = errors.New("room secret does not match")
	ErrRoomNotFound = errors.New("room is not found")
	ErrRoomExists   = errors.New("room already exists")
)

type Member struct {
	Identity    string
	DisplayName string
	RoomID      string
	JoinedAt    time.Time
}

type room struct {
	id          string
	secret      string
	members     map[string]*Member
	floorHolder string
	createdAt   time.Time
}

type RoomView struct {
	ID          string    `json:"room_id"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Departure describes the side effects of removing one identity from
// its room, so the caller can emit the matching events.
type Departure struct {
	RoomID        string
	Identity      string
	RoomDeleted   bool
	FloorReleased bool
}

type JoinResult struct {
	RoomID  string
	Members []model.MemberInfo // current members excluding the joiner

	// Prev is set when the join moved the identity out of another room.
	Prev *Departure
}

type Config struct {
	// ImplicitCreate allows join to create unknown rooms on first use.
	// When disabled such joins fail with ErrRoomNotFound.
	ImplicitCreate bool
}

// Directory is the server-side room and floor table. All state is
// guarded by a single mutex; callers only ever receive copies.
type Directory struct {
	mx             *sync.Mutex
	rooms          map[string]*room
	members        map[string]*Member
	implicitCreate bool
}

func New(cfg Config) *Directory {
	return &Directory{
		mx:             &sync.Mutex{},
		rooms:          make(map[string]*room),
		members:        make(map[string]*Member),
		implicitCreate: cfg.ImplicitCreate,
	}
}

// Join inserts the identity into the target room, creating the room if
// it does not exist. A secret is only recorded at creation time; joins
// to an existing secret-protected room must present the same secret.
// The identity is removed from any prior room first, and that prior
// departure is reported in the result.
func (d *Directory) Join(roomID, identity, displayName, secret string) (JoinResult, error) {
	d.mx.Lock()
	defer d.mx.Unlock()

	r, ok := d.rooms[roomID]
	if ok {
		if r.secret != "" && r.secret != secret {
			// rejection must not mutate anything, including the
			// joiner's current membership
			return JoinResult{}, ErrAccessDenied
		}
	} else {
		if !d.implicitCreate {
			return JoinResult{}, ErrRoomNotFound
		}
		r = &room{
			id:        roomID,
			secret:    secret,
			members:   make(map[string]*Member),
			createdAt: time.Now(),
		}
		d.rooms[roomID] = r
	}

	// only a move out of a different room is a removal; a re-join of
	// the same room must not tear the room down on the way in
	var prev *Departure
	if cur, ok := d.members[identity]; ok && cur.RoomID != roomID {
		prev = d.removeLocked(identity)
	}

	m := &Member{
		Identity:    identity,
		DisplayName: displayName,
		RoomID:      roomID,
		JoinedAt:    time.Now(),
	}
	r.members[identity] = m
	d.members[identity] = m

	others := make([]model.MemberInfo, 0, len(r.members)-1)
	for id, mm := range r.members {
		if id == identity {
			continue
		}
		others = append(others, model.MemberInfo{Identity: id, DisplayName: mm.DisplayName})
	}
	sort.Slice(others, func(i, j int) bool { return others[i].Identity < others[j].Identity })

	return JoinResult{RoomID: roomID, Members: others, Prev: prev}, nil
}

// Create makes a room explicitly, without joining it.
func (d *Directory) Create(roomID, secret string) error {
	d.mx.Lock()
	defer d.mx.Unlock()

	if _, ok := d.rooms[roomID]; ok {
		return ErrRoomExists
	}
	d.rooms[roomID] = &room{
		id:        roomID,
		secret:    secret,
		members:   make(map[string]*Member),
		createdAt: time.Now(),
	}
	return nil
}

// Leave removes the identity from its room. It is a no-op for unknown
// identities, which makes explicit leave and transport disconnect
// idempotent with each other.
func (d *Directory) Leave(identity string) (*Departure, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()

	dep := d.removeLocked(identity)
	if dep == nil {
		return nil, false
	}
	return dep, true
}

func (d *Directory) removeLocked(identity string) *Departure {
	m, ok := d.members[identity]
	if !ok {
		return nil
	}
	dep := &Departure{RoomID: m.RoomID, Identity: identity}

	delete(d.members, identity)
	r, ok := d.rooms[m.RoomID]
	if !ok {
		return dep
	}
	delete(r.members, identity)
	if r.floorHolder == identity {
		r.floorHolder = ""
		dep.FloorReleased = true
	}
	if len(r.members) == 0 {
		delete(d.rooms, r.id)
		dep.RoomDeleted = true
	}
	return dep
}

// ClaimFloor records the identity as the floor holder of its room,
// overwriting any prior holder. This is a broadcast of intent, not a
// lock: no mutual exclusion is enforced between concurrent claimants.
func (d *Directory) ClaimFloor(identity string) (string, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()

	m, ok := d.members[identity]
	if !ok {
		return "", false
	}
	d.rooms[m.RoomID].floorHolder = identity
	return m.RoomID, true
}

// ReleaseFloor clears the floor if the identity currently holds it.
// A release from a non-holder is a no-op so a stale release cannot
// clobber a newer claim.
func (d *Directory) ReleaseFloor(identity string) (string, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()

	m, ok := d.members[identity]
	if !ok {
		return "", false
	}
	r := d.rooms[m.RoomID]
	if r.floorHolder != identity {
		return "", false
	}
	r.floorHolder = ""
	return m.RoomID, true
}

// FloorHolder reports the current holder of a room's floor.
func (d *Directory) FloorHolder(roomID string) (string, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return "", false
	}
	return r.floorHolder, true
}

// Members returns the current member list of a room.
func (d *Directory) Members(roomID string) ([]model.MemberInfo, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return nil, false
	}
	out := make([]model.MemberInfo, 0, len(r.members))
	for id, m := range r.members {
		out = append(out, model.MemberInfo{Identity: id, DisplayName: m.DisplayName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, true
}

// Rooms lists all rooms without exposing their secrets.
func (d *Directory) Rooms() []RoomView {
	d.mx.Lock()
	defer d.mx.Unlock()

	out := make([]RoomView, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, RoomView{ID: r.id, MemberCount: len(r.members), CreatedAt: r.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats reports the number of rooms and connected members.
func (d *Directory) Stats() (rooms int, members int) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return len(d.rooms), len(d.members)
}
