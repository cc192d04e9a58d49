package game

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/opensmo/smopd/internal/core/data"
	"github.com/opensmo/smopd/internal/packets"
	"github.com/opensmo/smopd/internal/protocol"
)

// Clients submit passwords pre-hashed as 32 uppercase hex characters.
// Anything else is rejected before the store is consulted.
var passwordHashPattern = regexp.MustCompile(`^[A-F0-9]{32}$`)

// dispatch routes one inbound packet by command code, then runs any
// registered packet hooks. Unrecognized commands are logged and discarded;
// they never cost the client its connection.
func (s *Session) dispatch(pkt *protocol.Packet) {
	var subCommand byte

	switch pkt.Command() {
	case packets.Ping:
		// Clients don't normally send this, but the protocol requires a response.
		s.send(protocol.NewMessage(s.command(packets.PingR)))
		pkt.Discard()
	case packets.PingR:
		s.pingCountdown = pingGraceCycles
		pkt.Discard()
	case packets.Hello:
		s.handleHello(pkt)
	case packets.ScreenChange:
		s.handleScreenChange(pkt)
	case packets.GameStartRequest:
		s.handleGameStartRequest(pkt)
	case packets.GameStatusUpdate:
		s.handleGameStatusUpdate(pkt)
	case packets.GameOverNotify:
		s.handleGameOver(pkt)
	case packets.RequestSongGame:
		s.handleSongPick(pkt)
	case packets.PlayerOptions, packets.StyleUpdate:
		pkt.Discard()
	case packets.SMOnline:
		subCommand = s.handleSMOnline(pkt)
	case packets.ChatMessage:
		s.handleChat(pkt)
	default:
		s.logger.Infof("packet %#x from %s discarded", pkt.Command(), s.remoteIP)
		pkt.Discard()
	}

	if s.Connected() {
		s.server.Hooks.DispatchPacket(s, pkt.Command(), subCommand)
	}
}

// handleHello records the client's protocol version and identity and
// replies with the server version and name. Must precede authentication.
func (s *Session) handleHello(pkt *protocol.Packet) {
	version, err := pkt.ReadByte()
	if err != nil {
		return
	}
	info, _ := pkt.ReadString()

	s.protocolVersion = version
	s.clientInfo = strings.ReplaceAll(info, "\n", "|")
	s.playStart = time.Now()

	s.logger.Infof("%s is using SMOP v%d in %s", s.remoteIP, s.protocolVersion, s.clientInfo)

	m := protocol.NewMessage(s.command(packets.Hello))
	m.WriteU8(byte(s.server.Config.Server.Version))
	m.WriteString(s.server.Config.Server.Name)
	s.send(m)
}

// handleScreenChange tracks which screen the client is on. Returning to
// the lobby force-leaves the current room and refreshes the client's
// lobby and roster views.
func (s *Session) handleScreenChange(pkt *protocol.Packet) {
	b, err := pkt.ReadByte()
	if err != nil {
		return
	}
	screen := packets.Screen(b)

	d := s.server.Directory
	d.mu.Lock()
	defer d.mu.Unlock()

	if screen == packets.ScreenLobby {
		d.leaveRoomLocked(s)
		s.sendRoomList()
		s.sendRoomPlayers()
	}
	s.screen = screen
}

// handleGameStartRequest is the sync barrier. Each member's request sets
// its sync flag and re-evaluates the room: only when every member has
// reported ready does the barrier release, clearing every flag and
// emitting the "go" signal to all members in one pass under the lock.
func (s *Session) handleGameStartRequest(pkt *protocol.Packet) {
	if s.Room() == nil {
		pkt.Discard()
		return
	}
	if !s.requireAuth() {
		return
	}

	feet, err := pkt.ReadByte()
	if err != nil {
		return
	}
	difficulty, err := pkt.ReadByte()
	if err != nil {
		return
	}
	syncFlag, err := pkt.ReadByte()
	if err != nil {
		return
	}

	songName, _ := pkt.ReadString()
	songSubtitle, _ := pkt.ReadString()
	songArtist, _ := pkt.ReadString()
	courseTitle, _ := pkt.ReadString()
	songOptions, _ := pkt.ReadString()

	var settings []string
	for pkt.Remaining() > 0 {
		setting, err := pkt.ReadString()
		if err != nil {
			break
		}
		settings = append(settings, setting)
	}

	d := s.server.Directory
	d.mu.Lock()
	defer d.mu.Unlock()

	room := s.room
	if room == nil {
		return
	}

	s.feet = int(feet) / 16
	s.difficulty = packets.Difficulty(difficulty / 16)
	s.synced = syncFlag == 16
	s.courseTitle = courseTitle
	s.songOptions = songOptions
	s.playerSettings = strings.Join(settings, " ")

	room.Song.Name = songName
	room.Song.Subtitle = songSubtitle
	room.Song.Artist = songArtist

	room.AllPlaying = true
	members := room.Members()
	for _, member := range members {
		if !member.synced {
			room.AllPlaying = false
		}
	}

	if !s.synced {
		// An unsynced start isn't gated on the rest of the room.
		s.send(protocol.NewMessage(s.command(packets.GameStartRequest)))
		return
	}

	if room.AllPlaying {
		for _, member := range members {
			member.synced = false
			member.songStart = time.Now()
			member.send(protocol.NewMessage(member.command(packets.GameStartRequest)))
		}
		room.AllPlaying = false
	}
}

// handleGameStatusUpdate folds one note judgment into the session's
// running score. Ignored entirely unless the sender is mid-play.
func (s *Session) handleGameStatusUpdate(pkt *protocol.Packet) {
	if !s.requireAuth() {
		return
	}

	d := s.server.Directory
	d.mu.Lock()
	defer d.mu.Unlock()

	if !s.playing || s.spectating {
		pkt.Discard()
		return
	}

	note, err := pkt.ReadByte()
	if err != nil || note >= byte(packets.NumNotes) {
		pkt.Discard()
		return
	}
	grade, err := pkt.ReadByte()
	if err != nil {
		return
	}
	score, err := pkt.ReadUint32()
	if err != nil {
		return
	}
	combo, err := pkt.ReadUint16()
	if err != nil {
		return
	}
	if _, err = pkt.ReadUint16(); err != nil { // life, unused
		return
	}
	offsetRaw, err := pkt.ReadUint16()
	if err != nil {
		return
	}

	s.notes[note]++
	s.setGrade(packets.Grade(grade / 16))
	s.score = int(int32(score))
	s.combo = int(combo)
	if s.combo > s.maxCombo {
		s.maxCombo = s.combo
	}

	s.lastNote = packets.Note(note)
	s.noteOffsetRaw = offsetRaw
	// Fixed-point timing error in seconds, centered on zero.
	s.noteOffset = float64(offsetRaw)/2000 - 16.384
}

// handleGameOver finalizes a play: announces a full combo, records the
// aggregate stats, and reopens the room for reporting. Spectators are
// told no stats were gained.
func (s *Session) handleGameOver(pkt *protocol.Packet) {
	if !s.requireAuth() {
		return
	}
	pkt.Discard()

	d := s.server.Directory
	d.mu.Lock()

	if !s.playing || s.spectating {
		spectating := s.spectating
		d.mu.Unlock()

		if spectating {
			s.SendChatMessage(chatColor("aa0000") + "Spectator mode activated, no stats gained.")
		}
		return
	}

	s.playing = false
	var song SongSelection
	if s.room != nil {
		s.room.Reported = false
		song = s.room.Song
	}
	playSeconds := int(time.Since(s.songStart).Seconds())
	d.mu.Unlock()

	if s.noteCount() == 0 {
		return
	}

	if s.fullCombo() {
		s.SendChatMessage(chatColor("00aa00") + "FULL COMBO!!")
	}
	s.recordStats(song, playSeconds)
}

// recordStats persists the aggregate result of the play that just ended.
func (s *Session) recordStats(song SongSelection, playSeconds int) {
	var songID uint64
	if song.Name != "" {
		record, err := data.FindOrCreateSong(s.server.DB, s.server.Cache, song.Name, song.Artist, song.Subtitle)
		if err != nil {
			s.logger.Errorf("error resolving song for stats: %v", err)
		} else {
			songID = record.ID
		}
	}

	stats := &data.StatsRecord{
		AccountID:   s.accountID,
		SongID:      songID,
		Score:       s.score,
		MaxCombo:    s.maxCombo,
		Grade:       int(s.grade),
		Feet:        s.feet,
		Difficulty:  int(s.difficulty),
		HitMines:    s.notes[packets.NoteHitMine],
		Misses:      s.notes[packets.NoteMiss],
		W5s:         s.notes[packets.NoteW5],
		W4s:         s.notes[packets.NoteW4],
		W3s:         s.notes[packets.NoteW3],
		W2s:         s.notes[packets.NoteW2],
		W1s:         s.notes[packets.NoteW1],
		PlaySeconds: playSeconds,
	}
	if err := data.RecordStats(s.server.DB, stats); err != nil {
		s.logger.Errorf("error recording stats for '%s': %v", s.name, err)
	}
}

// notReadyMemberLocked returns the first member of room that isn't on the
// room screen, or nil when every member is ready.
func notReadyMemberLocked(room *Room) *Session {
	for _, member := range room.members {
		if member.screen != packets.ScreenRoom {
			return member
		}
	}
	return nil
}

// handleSongPick covers the multiplexed song statuses: "has song",
// "does not have song", and the pick/start proceed path. Re-picking the
// room's current selection is a start request; anything else changes the
// selection. Both are gated on every member being back on the room screen.
func (s *Session) handleSongPick(pkt *protocol.Packet) {
	if s.Room() == nil {
		pkt.Discard()
		return
	}
	if !s.requireAuth() {
		return
	}

	status, err := pkt.ReadByte()
	if err != nil {
		return
	}
	pickName, _ := pkt.ReadString()
	pickArtist, _ := pkt.ReadString()
	pickSubtitle, _ := pkt.ReadString()

	d := s.server.Directory

	switch status {
	case 0: // player has the song; nothing to do
		pkt.Discard()
		return
	case 1:
		d.BroadcastChat(nil, s.NameFormat()+" does "+chatColor("aa0000")+"not"+
			chatColor("ffffff")+" have that song!", nil)
		pkt.Discard()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	room := s.room
	if room == nil {
		return
	}

	if !room.Free && !s.canChangeRoomSettingsLocked() {
		ownerName := "the owner"
		if room.Owner != nil {
			ownerName = room.Owner.NameFormat()
		}
		pkt.Discard()
		s.SendChatMessage("You are not the room owner. Ask " + ownerName + " for /free")
		return
	}

	if blocker := notReadyMemberLocked(room); blocker != nil {
		d.broadcastChatLocked(room, blocker.NameFormat()+" is not ready yet!", nil)
		return
	}

	samePick := room.Song.Name == pickName &&
		room.Song.Artist == pickArtist &&
		room.Song.Subtitle == pickSubtitle

	if samePick {
		// Start request: everyone transitions to playing in the same pass.
		for _, member := range room.Members() {
			if _, err := data.RecordSongPlay(s.server.DB, s.server.Cache,
				pickName, pickArtist, pickSubtitle, true, room.Song.Seconds); err != nil {
				s.logger.Errorf("error recording song play: %v", err)
			}
			member.sendSongLocked(true)
			member.sendGameStatusLocked()
		}
		return
	}

	// Selection change.
	room.Song = SongSelection{Name: pickName, Artist: pickArtist, Subtitle: pickSubtitle}

	played := 0
	record, err := data.RecordSongPlay(s.server.DB, s.server.Cache, pickName, pickArtist, pickSubtitle, false, 0)
	if err != nil {
		s.logger.Errorf("error recording song selection: %v", err)
		s.SendChatMessage(cases.Title(language.English).String(err.Error()))
	} else {
		played = record.Played
		room.Song.Seconds = record.Seconds
	}

	d.broadcastChatLocked(room, s.NameFormat()+" selected "+chatColor("00aa00")+pickName+
		chatColor("ffffff")+", which has "+playCountPhrase(played), nil)

	for _, member := range room.Members() {
		member.sendSongLocked(false)
		member.songStart = time.Time{}
	}
}

func playCountPhrase(played int) string {
	switch {
	case played == 0:
		return "never been played."
	case played == 1:
		return "been played only once."
	default:
		return fmt.Sprintf("been played %d times.", played)
	}
}

// handleSMOnline demultiplexes the online command into login, join room,
// and create room. Unknown sub-commands (e.g. the room hover info request)
// are discarded. Returns the sub-command for the packet hooks.
func (s *Session) handleSMOnline(pkt *protocol.Packet) byte {
	sub, err := pkt.ReadByte()
	if err != nil {
		return 0
	}
	if _, err := pkt.ReadByte(); err != nil { // sub-sub command, unused
		return sub
	}

	switch sub {
	case packets.SMOnlineLogin:
		s.handleLogin(pkt)
	case packets.SMOnlineJoinRoom:
		s.handleJoinRoom(pkt)
	case packets.SMOnlineCreateRoom:
		s.handleCreateRoom(pkt)
	default:
		pkt.Discard()
	}
	return sub
}

func (s *Session) sendLoginResponse(status uint16, message string) {
	m := protocol.NewMessage(s.command(packets.SMOnline))
	m.WriteU16(status)
	m.WriteString(message)
	s.send(m)
}

// handleLogin authenticates (or, when enabled, registers) the client.
// Malformed and wrong credentials get the same generic failure so account
// names can't be probed.
func (s *Session) handleLogin(pkt *protocol.Packet) {
	if _, err := pkt.ReadByte(); err != nil { // reserved byte
		return
	}
	username, _ := pkt.ReadString()
	password, _ := pkt.ReadString()

	if !passwordHashPattern.MatchString(password) {
		s.logger.Warnf("invalid password hash given by %s", s.remoteIP)
		s.sendLoginResponse(packets.LoginFailure, "Login failed! Invalid password.")
		return
	}

	db := s.server.DB
	account, err := data.FindAccountByUsername(db, username)
	if err != nil {
		s.logger.Errorf("error looking up account '%s': %v", username, err)
		s.SendChatMessage(cases.Title(language.English).String(err.Error()))
		s.sendLoginResponse(packets.LoginFailure, "Login failed! Invalid password.")
		return
	}

	if account == nil && s.server.Config.Server.AllowRegistration {
		account = &data.Account{Username: username, Password: password}
		if err := data.CreateAccount(db, account); err != nil {
			s.logger.Errorf("error registering account '%s': %v", username, err)
			s.sendLoginResponse(packets.LoginFailure, "Login failed! Invalid password.")
			return
		}
		s.logger.Infof("%s is now registered", username)
	}

	if account == nil || account.Password != password {
		s.logger.Infof("%s tried logging in but failed", username)
		s.sendLoginResponse(packets.LoginFailure, "Login failed! Invalid password.")
		return
	}

	if banned, err := data.IsBanned(db, account.ID); err != nil {
		s.logger.Errorf("error checking bans for '%s': %v", username, err)
	} else if banned {
		s.logger.Infof("banned account %s attempted login", username)
		s.sendLoginResponse(packets.LoginFailure, "Login failed! You are banned.")
		return
	}

	s.logger.Infof("%s logged in", account.Username)

	s.sendLoginResponse(packets.LoginSuccess, "Login success!")
	s.SendChatMessage(s.server.Config.Server.MOTD)

	// Identity is published under the directory lock; from here on other
	// sessions' workers read it while serializing rosters.
	d := s.server.Directory
	d.mu.Lock()
	defer d.mu.Unlock()
	s.accountID = account.ID
	s.name = account.Username
	s.rank = account.Rank
	s.sendRoomList()
	for _, session := range d.rosterForLocked(s) {
		session.sendRoomPlayers()
	}
}

// handleJoinRoom moves an authenticated session into an existing room by
// exact name, provided the password matches or the requester is staff.
func (s *Session) handleJoinRoom(pkt *protocol.Packet) {
	if !s.requireAuth() {
		return
	}
	if pkt.Remaining() == 0 {
		return
	}

	name, _ := pkt.ReadString()
	password := ""
	if pkt.Remaining() > 0 {
		password, _ = pkt.ReadString()
	}

	d := s.server.Directory
	d.mu.Lock()
	defer d.mu.Unlock()

	room := d.findRoomLocked(name)
	if room == nil || (room.Password != password && !s.isModeratorLocked()) {
		return
	}

	d.leaveRoomLocked(s)
	room.addMember(s)
	s.room = room
	s.rights = RightsPlayer
	s.sendRoomEntryLocked()
}

// handleCreateRoom registers a new room, refreshes the lobby lists of
// everyone sharing the requester's prior location, and moves the requester
// in as owner.
func (s *Session) handleCreateRoom(pkt *protocol.Packet) {
	if !s.requireAuth() {
		return
	}

	name, _ := pkt.ReadString()
	description, _ := pkt.ReadString()
	password := ""
	if pkt.Remaining() > 0 {
		password, _ = pkt.ReadString()
	}

	d := s.server.Directory
	d.mu.Lock()

	if d.findRoomLocked(name) != nil {
		d.mu.Unlock()
		s.SendChatMessage("A room named " + name + " already exists.")
		return
	}

	s.logger.Infof("%s made a new room '%s'", s.name, name)

	room := &Room{
		Name:        name,
		Description: description,
		Password:    password,
		Status:      packets.RoomOpen,
	}
	d.rooms = append(d.rooms, room)

	for _, watcher := range d.sessionsSharingLocked(s.room) {
		watcher.sendRoomList()
	}

	d.leaveRoomLocked(s)
	room.addMember(s)
	room.Owner = s
	s.room = room
	s.rights = RightsOwner
	s.sendRoomEntryLocked()
	d.mu.Unlock()

	s.SendChatMessage("Welcome to your room! Type /help for a list of commands.")
}

// handleChat splits off "/command" invocations for the chat command hooks
// and relays everything else to the sender's room unless a raw-chat hook
// claims it first.
func (s *Session) handleChat(pkt *protocol.Packet) {
	if !s.requireAuth() {
		return
	}

	message, err := pkt.ReadString()
	if err != nil || message == "" {
		return
	}

	if strings.HasPrefix(message, "/") {
		parts := strings.SplitN(message[1:], " ", 2)
		remainder := ""
		if len(parts) == 2 {
			remainder = parts[1]
		}

		if !s.server.Hooks.DispatchChatCommand(s, parts[0], remainder) {
			s.SendChatMessage("Unknown command. Type /help for a list of commands.")
		}
		return
	}

	if !s.server.Hooks.DispatchChat(s, message) {
		s.server.Directory.BroadcastChat(s.Room(), s.NameFormat()+": "+message, nil)
	}
}
