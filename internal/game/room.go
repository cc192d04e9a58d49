package game

import (
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opensmo/smopd/internal/packets"
)

// RoomRights is a session's permission tier within its current room.
type RoomRights int

const (
	RightsPlayer RoomRights = iota
	RightsOperator
	RightsOwner
)

// ownerTransferAttempts bounds the random re-pick loop during ownership
// transfer. The departing member is already excluded from the candidate
// set, so hitting the cap indicates a membership tracking bug upstream.
const ownerTransferAttempts = 15

// SongSelection identifies the chart a room has agreed to play.
type SongSelection struct {
	Name     string
	Artist   string
	Subtitle string
	Seconds  int
}

// Room is a named playgroup of sessions with one owner and a current song
// selection. All fields are guarded by the Directory mutex.
type Room struct {
	Name        string
	Description string
	Password    string

	// Free allows any member to pick songs, not just operators.
	Free   bool
	Status packets.RoomStatus
	Owner  *Session
	Song   SongSelection

	// AllPlaying is the sync barrier flag: set while every member has
	// reported ready, cleared the moment the barrier releases.
	AllPlaying bool
	// Reported tracks whether this room's current play has had its end-of
	// game results processed.
	Reported bool

	members []*Session
}

func (r *Room) HasPassword() bool {
	return r.Password != ""
}

// Members returns a copy of the ordered member list.
func (r *Room) Members() []*Session {
	members := make([]*Session, len(r.members))
	copy(members, r.members)
	return members
}

func (r *Room) addMember(s *Session) {
	r.members = append(r.members, s)
}

func (r *Room) removeMember(s *Session) {
	for i, member := range r.members {
		if member == s {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

// Directory is the live collection of all rooms and connected sessions.
// Its mutex is the single mutual exclusion domain for room membership,
// ownership, song selection, the sync barrier, and the broadcasts that
// must observe them (two sessions whose commands touch disjoint state
// still dispatch in parallel).
type Directory struct {
	logger *logrus.Logger

	mu       sync.Mutex
	rooms    []*Room
	sessions []*Session
}

func NewDirectory(logger *logrus.Logger) *Directory {
	return &Directory{logger: logger}
}

// AddSession registers a newly accepted connection.
func (d *Directory) AddSession(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = append(d.sessions, s)
}

// RemoveSession drops a session from the active set. The session must
// already have left its room.
func (d *Directory) RemoveSession(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, session := range d.sessions {
		if session == s {
			d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
			return
		}
	}
}

// SessionCount returns the number of registered sessions.
func (d *Directory) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Rooms returns a copy of the ordered room list.
func (d *Directory) Rooms() []*Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	rooms := make([]*Room, len(d.rooms))
	copy(rooms, d.rooms)
	return rooms
}

// FindRoom returns the room with the exact name, or nil.
func (d *Directory) FindRoom(name string) *Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findRoomLocked(name)
}

func (d *Directory) findRoomLocked(name string) *Room {
	for _, room := range d.rooms {
		if room.Name == name {
			return room
		}
	}
	return nil
}

// sessionsSharingLocked returns every connected session whose room pointer
// equals room. A nil room selects the lobby watchers.
func (d *Directory) sessionsSharingLocked(room *Room) []*Session {
	var shared []*Session
	for _, s := range d.sessions {
		if s.room == room && s.Connected() {
			shared = append(shared, s)
		}
	}
	return shared
}

// leaveRoomLocked implements the departure algorithm: membership removal,
// room teardown when the last member leaves, ownership transfer when the
// owner leaves, and the roster/lobby refreshes for everyone affected.
func (d *Directory) leaveRoomLocked(s *Session) {
	old := s.room
	if old == nil {
		return
	}

	wasOwner := s.rights == RightsOwner
	old.removeMember(s)
	s.room = nil
	s.rights = RightsPlayer

	remaining := old.Members()
	lobby := d.sessionsSharingLocked(nil)

	if len(remaining) == 0 {
		d.logger.Infof("removing room '%s'", old.Name)
		d.removeRoomLocked(old)

		for _, watcher := range lobby {
			watcher.sendRoomList()
		}
	} else {
		d.broadcastChatLocked(old, s.NameFormat()+" left the room.", s)

		for _, member := range remaining {
			member.sendRoomPlayers()
		}

		if wasOwner {
			d.transferOwnershipLocked(old, remaining, s)
		}
	}

	for _, watcher := range lobby {
		watcher.sendRoomPlayers()
	}
}

// transferOwnershipLocked picks a new owner uniformly at random from the
// remaining members. The retry loop guards against reselecting the
// departing member; exhausting it skips the transfer and leaves a trail
// in the logs since the room then has no owner with Owner rights.
func (d *Directory) transferOwnershipLocked(room *Room, remaining []*Session, leaver *Session) {
	var newOwner *Session
	for attempt := 0; ; attempt++ {
		if attempt == ownerTransferAttempts {
			d.logger.Warnf("ownership transfer for room '%s' exhausted %d attempts, skipping",
				room.Name, ownerTransferAttempts)
			return
		}
		newOwner = remaining[rand.Intn(len(remaining))]
		if newOwner != leaver {
			break
		}
	}

	newOwner.rights = RightsOwner
	room.Owner = newOwner
	d.broadcastChatLocked(room, newOwner.NameFormat()+" is now room owner.", nil)
}

func (d *Directory) removeRoomLocked(room *Room) {
	for i, r := range d.rooms {
		if r == room {
			d.rooms = append(d.rooms[:i], d.rooms[i+1:]...)
			return
		}
	}
}

// broadcastChatLocked sends a chat message to every session in the given
// room, or to everyone when room is nil. except is skipped when non-nil.
func (d *Directory) broadcastChatLocked(room *Room, message string, except *Session) {
	for _, s := range d.sessions {
		if except != nil && s == except {
			continue
		}
		if room != nil && s.room != room {
			continue
		}
		if !s.Connected() {
			continue
		}
		s.SendChatMessage(message)
	}
}

// BroadcastChat sends a chat message to a room (or everyone, when room is
// nil) on behalf of callers outside the dispatch path, such as chat
// command hooks.
func (d *Directory) BroadcastChat(room *Room, message string, except *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcastChatLocked(room, message, except)
}
