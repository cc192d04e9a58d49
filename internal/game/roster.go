package game

import (
	"sort"

	"github.com/opensmo/smopd/internal/packets"
	"github.com/opensmo/smopd/internal/protocol"
)

// Snapshot senders. Everything in this file assumes the directory mutex is
// held: each packet is a view over room and membership state that must not
// shift mid-serialization.

// visibleRoomsLocked returns the rooms a lobby view may list. Rooms owned
// by shadow-banned sessions are omitted for everyone; they remain joinable
// by exact name.
func (d *Directory) visibleRoomsLocked() []*Room {
	var visible []*Room
	for _, room := range d.rooms {
		if room.Owner != nil && room.Owner.shadowBanned {
			continue
		}
		visible = append(visible, room)
	}
	return visible
}

// rosterForLocked returns the sessions that share a room with s. A session
// with no room sees the lobby watchers.
func (d *Directory) rosterForLocked(s *Session) []*Session {
	if s.room == nil {
		return d.sessionsSharingLocked(nil)
	}

	var connected []*Session
	for _, member := range s.room.members {
		if member.Connected() {
			connected = append(connected, member)
		}
	}
	return connected
}

// sendRoomList pushes the lobby snapshot: every joinable room's name,
// description, status, and password flag. A shadow-banned session gets an
// empty list no matter how many rooms exist.
func (s *Session) sendRoomList() {
	m := protocol.NewMessage(s.command(packets.SMOnline))
	m.WriteU8(1)
	m.WriteU8(1)

	if s.shadowBanned {
		m.WriteU8(0)
	} else {
		visible := s.server.Directory.visibleRoomsLocked()
		m.WriteU8(byte(len(visible)))

		for _, room := range visible {
			m.WriteString(room.Name)
			m.WriteString(room.Description)
		}
		for _, room := range visible {
			m.WriteU8(byte(room.Status))
		}
		for _, room := range visible {
			if room.HasPassword() {
				m.WriteU8(1)
			} else {
				m.WriteU8(0)
			}
		}
	}

	s.send(m)
}

// sendRoomPlayers pushes the roster snapshot for whichever room (or the
// lobby) the session is in. A shadow-banned session sees only itself.
func (s *Session) sendRoomPlayers() {
	m := protocol.NewMessage(s.command(packets.UpdateUserList))
	m.WriteU8(byte(s.server.Config.Game.MaxPlayersPerRoom))

	if s.shadowBanned {
		m.WriteU8(1)
		m.WriteU8(1)
		m.WriteString(s.name)
	} else {
		roster := s.server.Directory.rosterForLocked(s)
		m.WriteU8(byte(len(roster)))

		for _, member := range roster {
			m.WriteU8(1) // status
			m.WriteString(member.name)
		}
	}

	s.send(m)
}

// sendRoomEntryLocked runs the full entry sequence after a join or create:
// lobby snapshot, the room entry notice, fresh rosters all around, and the
// "joined" chat broadcast.
func (s *Session) sendRoomEntryLocked() {
	d := s.server.Directory

	s.sendRoomList()

	m := protocol.NewMessage(s.command(packets.SMOnline))
	m.WriteU8(1)
	m.WriteU8(0)
	m.WriteString(s.room.Name)
	m.WriteString(s.room.Description)
	m.WriteU8(1) // if this is 0, the client won't change screens
	s.send(m)

	for _, session := range d.sessions {
		if session.Connected() {
			session.sendRoomPlayers()
		}
	}

	d.broadcastChatLocked(s.room, s.NameFormat()+chatColor("ffffff")+" joined the room.", nil)
}

// sendSongLocked announces the room's current song to this client. start
// distinguishes the synchronized "go" signal from a selection change; the
// go signal also flips the client into the playing state and resets its
// per-song counters.
func (s *Session) sendSongLocked(start bool) {
	status := byte(1)
	if start {
		s.playing = true
		s.room.Status = packets.RoomClosed
		s.resetPlayState()
		status = 2
	}

	m := protocol.NewMessage(s.command(packets.RequestSongGame))
	m.WriteU8(status)
	m.WriteString(s.room.Song.Name)
	m.WriteString(s.room.Song.Artist)
	m.WriteString(s.room.Song.Subtitle)
	s.send(m)
}

// sendGameStatusLocked pushes the initial leaderboard columns at song start.
func (s *Session) sendGameStatusLocked() {
	s.sendGameStatusColumnLocked(packets.StatusColumnPositions)
	s.sendGameStatusColumnLocked(packets.StatusColumnCombo)
	s.sendGameStatusColumnLocked(packets.StatusColumnGrade)
}

func (s *Session) sendGameStatusColumnLocked(columnID byte) {
	roster := s.server.Directory.rosterForLocked(s)

	var playersByScore []*Session
	for _, member := range roster {
		if member.playing {
			playersByScore = append(playersByScore, member)
		}
	}
	sort.SliceStable(playersByScore, func(i, j int) bool {
		return playersByScore[i].smoScore() > playersByScore[j].smoScore()
	})

	m := protocol.NewMessage(s.command(packets.GameStatusUpdate))
	m.WriteU8(columnID)
	m.WriteU8(byte(len(playersByScore)))

	switch columnID {
	case packets.StatusColumnPositions:
		for _, player := range playersByScore {
			for position, member := range roster {
				if member == player {
					m.WriteU8(byte(position))
					break
				}
			}
		}
	case packets.StatusColumnCombo:
		for _, player := range playersByScore {
			m.WriteU16(uint16(player.combo))
		}
	case packets.StatusColumnGrade:
		for _, player := range playersByScore {
			m.WriteU8(byte(player.grade))
		}
	}

	s.send(m)
}
