package game

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensmo/smopd/internal/core/data"
	"github.com/opensmo/smopd/internal/packets"
	"github.com/opensmo/smopd/internal/protocol"
)

// md5("password"), uppercased the way clients submit it.
const passwordHash = "5F4DCC3B5AA765D61D8327DEB882CF99"
const otherHash = "0CC175B9C0F1B6A831C399E269772661"

func loginPacket(username, password string) *protocol.Packet {
	return newPayload().
		writeByte(packets.SMOnlineLogin).
		writeByte(0).
		writeByte(0).
		writeString(username).
		writeString(password).
		packet(packets.SMOnline)
}

// loginReply returns the status and message of the first login response
// written to the transport.
func loginReply(t *testing.T, sv *Server, ft *fakeTransport) (uint16, string) {
	t.Helper()

	pkts := sentWithCommand(sv, decodeSent(t, ft), packets.SMOnline)
	if len(pkts) == 0 {
		t.Fatal("no login response was sent")
	}
	status, err := pkts[0].ReadUint16()
	if err != nil {
		t.Fatalf("unreadable login response: %v", err)
	}
	message, _ := pkts[0].ReadString()
	return status, message
}

func TestLoginCredentialHandling(t *testing.T) {
	tests := []struct {
		name              string
		existingPassword  string
		allowRegistration bool
		password          string
		wantStatus        uint16
		wantLoggedIn      bool
	}{
		{"malformed hash rejected", "", true, "hunter2", packets.LoginFailure, false},
		{"unknown account registered", "", true, passwordHash, packets.LoginSuccess, true},
		{"unknown account without registration", "", false, passwordHash, packets.LoginFailure, false},
		{"wrong password", passwordHash, true, otherHash, packets.LoginFailure, false},
		{"correct password", passwordHash, true, passwordHash, packets.LoginSuccess, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sv := newTestServer(t)
			sv.Config.Server.AllowRegistration = tt.allowRegistration

			if tt.existingPassword != "" {
				account := &data.Account{Username: "alice", Password: tt.existingPassword}
				if err := data.CreateAccount(sv.DB, account); err != nil {
					t.Fatal(err)
				}
			}

			s, ft := newTestSession(sv, "")
			s.dispatch(loginPacket("alice", tt.password))

			status, message := loginReply(t, sv, ft)
			if status != tt.wantStatus {
				t.Errorf("got login status %d (%q), wanted %d", status, message, tt.wantStatus)
			}
			if loggedIn := s.Name() != ""; loggedIn != tt.wantLoggedIn {
				t.Errorf("got logged in = %v, wanted %v", loggedIn, tt.wantLoggedIn)
			}
		})
	}
}

func TestLoginRegistersAccountAndSendsMOTD(t *testing.T) {
	sv := newTestServer(t)
	s, ft := newTestSession(sv, "")

	s.dispatch(loginPacket("newbie", passwordHash))

	account, err := data.FindAccountByUsername(sv.DB, "newbie")
	if err != nil || account == nil {
		t.Fatalf("account was not registered: %v", err)
	}
	if s.AccountID() != account.ID || s.Rank() != data.RankUser {
		t.Error("session identity was not bound to the new account")
	}

	pkts := decodeSent(t, ft)
	motdSeen := false
	for _, pkt := range sentWithCommand(sv, pkts, packets.ChatMessage) {
		if line, _ := pkt.ReadString(); containsLine([]string{line}, sv.Config.Server.MOTD) {
			motdSeen = true
		}
	}
	if !motdSeen {
		t.Error("expected the MOTD after a successful login")
	}
	if len(sentWithCommand(sv, pkts, packets.UpdateUserList)) == 0 {
		t.Error("expected a lobby roster push after login")
	}
}

func TestLoginRejectsBannedAccount(t *testing.T) {
	sv := newTestServer(t)

	account := &data.Account{Username: "mallory", Password: passwordHash}
	if err := data.CreateAccount(sv.DB, account); err != nil {
		t.Fatal(err)
	}
	if err := data.CreateBan(sv.DB, &data.Ban{AccountID: account.ID}); err != nil {
		t.Fatal(err)
	}

	s, ft := newTestSession(sv, "")
	s.dispatch(loginPacket("mallory", passwordHash))

	status, message := loginReply(t, sv, ft)
	if status != packets.LoginFailure {
		t.Errorf("got login status %d, wanted failure", status)
	}
	if !containsLine([]string{message}, "banned") {
		t.Errorf("got %q, wanted a ban notice", message)
	}
}

// Logins publish identity while other workers may be serializing rosters,
// so two clients logging in at once must not trip the race detector.
func TestConcurrentLoginsPublishIdentitySafely(t *testing.T) {
	sv := newTestServer(t)

	sessions := make([]*Session, 2)
	for i := range sessions {
		username := fmt.Sprintf("racer%d", i)
		account := &data.Account{Username: username, Password: passwordHash}
		if err := data.CreateAccount(sv.DB, account); err != nil {
			t.Fatal(err)
		}
		sessions[i], _ = newTestSession(sv, "")
	}

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			s.dispatch(loginPacket(fmt.Sprintf("racer%d", i), passwordHash))
		}(i, s)
	}
	wg.Wait()

	for i, s := range sessions {
		if want := fmt.Sprintf("racer%d", i); s.Name() != want {
			t.Errorf("got session name %q, wanted %q", s.Name(), want)
		}
	}
}

func TestHelloHandshake(t *testing.T) {
	sv := newTestServer(t)
	s, ft := newTestSession(sv, "")

	s.dispatch(newPayload().
		writeByte(3).
		writeString("StepMania 3.95\nsmop build 42").
		packet(packets.Hello))

	if s.protocolVersion != 3 {
		t.Errorf("got protocol version %d, wanted 3", s.protocolVersion)
	}
	if s.clientInfo != "StepMania 3.95|smop build 42" {
		t.Errorf("got client info %q", s.clientInfo)
	}

	replies := sentWithCommand(sv, decodeSent(t, ft), packets.Hello)
	if len(replies) != 1 {
		t.Fatalf("got %d handshake replies, wanted 1", len(replies))
	}
	if version, _ := replies[0].ReadByte(); int(version) != sv.Config.Server.Version {
		t.Errorf("got server version %d, wanted %d", version, sv.Config.Server.Version)
	}
	if name, _ := replies[0].ReadString(); name != sv.Config.Server.Name {
		t.Errorf("got server name %q, wanted %q", name, sv.Config.Server.Name)
	}
}

func TestUnauthenticatedCommandKicks(t *testing.T) {
	sv := newTestServer(t)
	s, _ := newTestSession(sv, "")

	s.dispatch(newPayload().writeString("hello").packet(packets.ChatMessage))

	if s.Connected() {
		t.Error("authenticated commands before login should kick the client")
	}
}

func startRequest(syncFlag byte) *protocol.Packet {
	return newPayload().
		writeByte(7 * 16).
		writeByte(byte(packets.DifficultyHard) * 16).
		writeByte(syncFlag).
		writeString("Flight of the Amazon Queen").
		writeString("").
		writeString("DJ Sharpnel").
		writeString("").
		writeString("").
		packet(packets.GameStartRequest)
}

func TestSyncBarrierReleasesOnlyWhenAllReady(t *testing.T) {
	sv := newTestServer(t)
	a, aft := newTestSession(sv, "alice")
	b, bft := newTestSession(sv, "bob")

	createRoom(a, "jam", "", "")
	joinRoom(b, "jam", "")
	room := sv.Directory.FindRoom("jam")
	aft.drain()
	bft.drain()

	a.dispatch(startRequest(16))

	if !a.synced {
		t.Error("first requester should be marked synced")
	}
	if got := len(sentWithCommand(sv, decodeSent(t, aft), packets.GameStartRequest)); got != 0 {
		t.Errorf("barrier released after one of two members, %d go signals", got)
	}
	if a.feet != 7 || a.difficulty != packets.DifficultyHard {
		t.Errorf("got feet=%d difficulty=%d", a.feet, a.difficulty)
	}
	if room.Song.Name != "Flight of the Amazon Queen" || room.Song.Artist != "DJ Sharpnel" {
		t.Errorf("got song %+v", room.Song)
	}

	b.dispatch(startRequest(16))

	for name, ft := range map[string]*fakeTransport{"alice": aft, "bob": bft} {
		if got := len(sentWithCommand(sv, decodeSent(t, ft), packets.GameStartRequest)); got != 1 {
			t.Errorf("%s got %d go signals, wanted 1", name, got)
		}
	}
	if a.synced || b.synced {
		t.Error("sync flags should be cleared when the barrier releases")
	}
	if room.AllPlaying {
		t.Error("barrier flag should be cleared after release")
	}
	if a.songStart.IsZero() || b.songStart.IsZero() {
		t.Error("song start times should be stamped on release")
	}
}

func TestUnsyncedStartIsNotGated(t *testing.T) {
	sv := newTestServer(t)
	a, aft := newTestSession(sv, "alice")
	b, bft := newTestSession(sv, "bob")

	createRoom(a, "jam", "", "")
	joinRoom(b, "jam", "")
	aft.drain()
	bft.drain()

	a.dispatch(startRequest(0))

	if got := len(sentWithCommand(sv, decodeSent(t, aft), packets.GameStartRequest)); got != 1 {
		t.Errorf("unsynced requester got %d go signals, wanted 1", got)
	}
	if got := len(sentWithCommand(sv, decodeSent(t, bft), packets.GameStartRequest)); got != 0 {
		t.Errorf("other member got %d go signals, wanted 0", got)
	}
}

func songPick(name, artist, subtitle string) *protocol.Packet {
	return newPayload().
		writeByte(2).
		writeString(name).
		writeString(artist).
		writeString(subtitle).
		packet(packets.RequestSongGame)
}

func setScreens(sv *Server, screen packets.Screen, sessions ...*Session) {
	sv.Directory.mu.Lock()
	defer sv.Directory.mu.Unlock()
	for _, s := range sessions {
		s.screen = screen
	}
}

func TestSongPickThenRepickStarts(t *testing.T) {
	sv := newTestServer(t)
	a, aft := newTestSession(sv, "alice")
	b, bft := newTestSession(sv, "bob")

	createRoom(a, "jam", "", "")
	joinRoom(b, "jam", "")
	room := sv.Directory.FindRoom("jam")
	setScreens(sv, packets.ScreenRoom, a, b)
	aft.drain()
	bft.drain()

	a.dispatch(songPick("Xuxa", "DJ Sharpnel", ""))

	if room.Song.Name != "Xuxa" {
		t.Fatalf("got selection %q, wanted %q", room.Song.Name, "Xuxa")
	}
	if !containsLine(chatLines(t, sv, bft), "never been played.") {
		t.Error("first selection should report the song as never played")
	}
	songs := sentWithCommand(sv, decodeSent(t, aft), packets.RequestSongGame)
	if len(songs) != 1 {
		t.Fatalf("got %d song packets, wanted 1", len(songs))
	}
	if status, _ := songs[0].ReadByte(); status != 1 {
		t.Errorf("got song status %d, wanted selection status 1", status)
	}
	if a.playing || b.playing {
		t.Error("a selection change must not start the game")
	}

	bft.drain()
	a.dispatch(songPick("Xuxa", "DJ Sharpnel", ""))

	for name, s := range map[string]*Session{"alice": a, "bob": b} {
		if !s.playing {
			t.Errorf("%s should be playing after the re-pick", name)
		}
	}
	if room.Status != packets.RoomClosed {
		t.Error("room should close while the song is in progress")
	}

	songs = sentWithCommand(sv, decodeSent(t, bft), packets.RequestSongGame)
	if len(songs) != 1 {
		t.Fatalf("got %d song packets, wanted 1", len(songs))
	}
	if status, _ := songs[0].ReadByte(); status != 2 {
		t.Errorf("got song status %d, wanted start status 2", status)
	}

	// One play per member was recorded against the song.
	song, err := data.FindOrCreateSong(sv.DB, sv.Cache, "Xuxa", "DJ Sharpnel", "")
	if err != nil {
		t.Fatal(err)
	}
	if song.Played != 2 {
		t.Errorf("got %d recorded plays, wanted 2", song.Played)
	}
}

func TestSongPickRequiresOwnershipUnlessFree(t *testing.T) {
	sv := newTestServer(t)
	a, _ := newTestSession(sv, "alice")
	b, bft := newTestSession(sv, "bob")

	createRoom(a, "jam", "", "")
	joinRoom(b, "jam", "")
	room := sv.Directory.FindRoom("jam")
	setScreens(sv, packets.ScreenRoom, a, b)
	bft.drain()

	b.dispatch(songPick("Xuxa", "DJ Sharpnel", ""))

	if room.Song.Name != "" {
		t.Error("a plain member should not be able to change the selection")
	}
	if !containsLine(chatLines(t, sv, bft), "not the room owner") {
		t.Error("member should be pointed at /free")
	}

	sv.Directory.mu.Lock()
	room.Free = true
	sv.Directory.mu.Unlock()

	b.dispatch(songPick("Xuxa", "DJ Sharpnel", ""))
	if room.Song.Name != "Xuxa" {
		t.Error("free mode should let any member pick")
	}
}

func TestSongPickBlockedByUnreadyMember(t *testing.T) {
	sv := newTestServer(t)
	a, aft := newTestSession(sv, "alice")
	b, _ := newTestSession(sv, "bob")

	createRoom(a, "jam", "", "")
	joinRoom(b, "jam", "")
	room := sv.Directory.FindRoom("jam")
	setScreens(sv, packets.ScreenRoom, a)
	setScreens(sv, packets.ScreenEvaluation, b)
	aft.drain()

	a.dispatch(songPick("Xuxa", "DJ Sharpnel", ""))

	if room.Song.Name != "" {
		t.Error("selection should be blocked while a member is not ready")
	}
	if !containsLine(chatLines(t, sv, aft), "is not ready yet!") {
		t.Error("room should hear who is holding up the pick")
	}
}

func TestMissingSongIsAnnounced(t *testing.T) {
	sv := newTestServer(t)
	a, _ := newTestSession(sv, "alice")
	_, lft := newTestSession(sv, "bob")

	createRoom(a, "jam", "", "")
	lft.drain()

	a.dispatch(newPayload().
		writeByte(1).
		writeString("Xuxa").
		writeString("DJ Sharpnel").
		writeString("").
		packet(packets.RequestSongGame))

	if !containsLine(chatLines(t, sv, lft), "have that song!") {
		t.Error("everyone should hear that a member is missing the song")
	}
}

func TestGameOverRecordsStats(t *testing.T) {
	sv := newTestServer(t)
	a, aft := newTestSession(sv, "alice")
	createRoom(a, "jam", "", "")
	room := sv.Directory.FindRoom("jam")

	sv.Directory.mu.Lock()
	a.playing = true
	a.songStart = time.Now().Add(-30 * time.Second)
	room.Song = SongSelection{Name: "Xuxa", Artist: "DJ Sharpnel"}
	sv.Directory.mu.Unlock()
	a.notes[packets.NoteW1] = 120
	a.score = 123456
	a.maxCombo = 120
	aft.drain()

	a.dispatch(protocol.NewPacket(packets.GameOverNotify, nil))

	if a.playing {
		t.Error("session should be out of the playing state")
	}
	if !containsLine(chatLines(t, sv, aft), "FULL COMBO!!") {
		t.Error("a clean play should announce the full combo")
	}

	var records []data.StatsRecord
	if err := sv.DB.Find(&records).Error; err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d stats records, wanted 1", len(records))
	}
	if records[0].AccountID != a.AccountID() || records[0].W1s != 120 || records[0].Score != 123456 {
		t.Errorf("got stats record %+v", records[0])
	}
	if records[0].PlaySeconds < 29 || records[0].PlaySeconds > 31 {
		t.Errorf("got %d play seconds, wanted about 30", records[0].PlaySeconds)
	}
}

func TestGameOverAsSpectatorGainsNothing(t *testing.T) {
	sv := newTestServer(t)
	sv.Hooks.OnChatCommand("spectate", func(s *Session, _ string) bool {
		s.SetSpectating(true)
		return true
	})

	a, aft := newTestSession(sv, "alice")
	createRoom(a, "jam", "", "")

	a.dispatch(newPayload().writeString("/spectate").packet(packets.ChatMessage))
	if !a.Spectating() {
		t.Fatal("the hook did not flag the session as a spectator")
	}

	sv.Directory.mu.Lock()
	a.playing = true
	sv.Directory.mu.Unlock()
	a.notes[packets.NoteW1] = 10
	aft.drain()

	// Judgment reports from a spectator are dropped.
	a.dispatch(newPayload().
		writeByte(byte(packets.NoteW1)).
		writeByte(byte(packets.GradeAAAA) * 16).
		writeUint32(100).
		writeUint16(1).
		writeUint16(50).
		writeUint16(32768).
		packet(packets.GameStatusUpdate))
	if a.notes[packets.NoteW1] != 10 {
		t.Error("a spectator's judgment report should be ignored")
	}

	a.dispatch(protocol.NewPacket(packets.GameOverNotify, nil))

	if !containsLine(chatLines(t, sv, aft), "Spectator mode") {
		t.Error("spectators should be told no stats were gained")
	}

	var records []data.StatsRecord
	if err := sv.DB.Find(&records).Error; err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("got %d stats records for a spectator, wanted 0", len(records))
	}
}

func TestChatRelaysToRoom(t *testing.T) {
	sv := newTestServer(t)
	a, aft := newTestSession(sv, "alice")
	b, bft := newTestSession(sv, "bob")

	createRoom(a, "jam", "", "")
	joinRoom(b, "jam", "")
	aft.drain()
	bft.drain()

	a.dispatch(newPayload().writeString("hello room").packet(packets.ChatMessage))

	for name, ft := range map[string]*fakeTransport{"alice": aft, "bob": bft} {
		lines := chatLines(t, sv, ft)
		if !containsLine(lines, "hello room") || !containsLine(lines, "alice") {
			t.Errorf("%s did not receive the relayed chat: %q", name, lines)
		}
	}
}

func TestUnknownChatCommand(t *testing.T) {
	sv := newTestServer(t)
	a, aft := newTestSession(sv, "alice")

	a.dispatch(newPayload().writeString("/xyzzy").packet(packets.ChatMessage))

	if !containsLine(chatLines(t, sv, aft), "Unknown command.") {
		t.Error("unhandled commands should prompt the /help hint")
	}
}

func TestChatCommandHookReceivesRemainder(t *testing.T) {
	sv := newTestServer(t)
	a, aft := newTestSession(sv, "alice")

	var remainder string
	sv.Hooks.OnChatCommand("roll", func(s *Session, rest string) bool {
		remainder = rest
		s.SendChatMessage("rolled")
		return true
	})

	a.dispatch(newPayload().writeString("/roll 2d6").packet(packets.ChatMessage))

	if remainder != "2d6" {
		t.Errorf("got remainder %q, wanted %q", remainder, "2d6")
	}
	lines := chatLines(t, sv, aft)
	if !containsLine(lines, "rolled") {
		t.Error("hook reply should reach the client")
	}
	if containsLine(lines, "Unknown command.") {
		t.Error("handled commands should not prompt the /help hint")
	}
}

func TestChatHookCanSuppressRelay(t *testing.T) {
	sv := newTestServer(t)
	a, _ := newTestSession(sv, "alice")
	b, bft := newTestSession(sv, "bob")

	createRoom(a, "jam", "", "")
	joinRoom(b, "jam", "")
	bft.drain()

	sv.Hooks.OnChat(func(s *Session, text string) bool { return true })

	a.dispatch(newPayload().writeString("swallowed").packet(packets.ChatMessage))

	if containsLine(chatLines(t, sv, bft), "swallowed") {
		t.Error("a claiming chat hook should suppress the relay")
	}
}
