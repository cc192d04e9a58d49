// The game package implements the per-connection SMOP protocol engine:
// session state, the command dispatch state machine, rooms, rosters, and
// the extension hook registries.
package game

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/opensmo/smopd/internal/core"
	"github.com/opensmo/smopd/internal/core/data"
	"github.com/opensmo/smopd/internal/packets"
	"github.com/opensmo/smopd/internal/protocol"
)

// pingGraceCycles is how many unanswered keepalive cycles a client gets
// before it is forcibly disconnected. A ping response resets the countdown.
const pingGraceCycles = 5

// Server owns the resources shared by every session: configuration, the
// store, the room directory, and the hook registries.
type Server struct {
	Config    *core.Config
	Logger    *logrus.Logger
	DB        *gorm.DB
	Cache     *data.Cache
	Directory *Directory
	Hooks     *Hooks
}

// chatColor returns the SMOP chat color escape for an rgb hex triplet.
func chatColor(rgb string) string {
	return "|c0" + rgb
}

// Session is the server side state of one connected client. Gameplay
// counters are owned by the session's own worker; room linkage, rights,
// screen, and the sync flag are guarded by the Directory mutex because
// other sessions' workers mutate them during broadcasts, ownership
// transfer, and barrier release.
type Session struct {
	server *Server
	conn   *protocol.Conn
	logger *logrus.Logger

	remoteIP string

	inbound  chan *protocol.Packet
	readErrs chan error
	done     chan struct{}

	connected   atomic.Bool
	closeOnce   sync.Once
	cleanupOnce sync.Once

	// Identity, published at authentication under the Directory mutex.
	// Roster serialization reads these fields from other workers.
	accountID    uint64
	name         string
	rank         data.Rank
	shadowBanned bool

	protocolVersion byte
	clientInfo      string

	// Room linkage (Directory mutex).
	room   *Room
	rights RoomRights
	screen packets.Screen
	synced bool

	// Gameplay state. playing and spectating are flipped under the
	// Directory mutex (song start, SetSpectating); the counters below
	// are touched only by this session's worker.
	playing        bool
	spectating     bool
	notes          [packets.NumNotes]int
	score          int
	combo          int
	maxCombo       int
	grade          packets.Grade
	lastNote       packets.Note
	noteOffset     float64
	noteOffsetRaw  uint16
	feet           int
	difficulty     packets.Difficulty
	courseTitle    string
	songOptions    string
	playerSettings string

	playStart time.Time
	songStart time.Time

	// Keepalive accounting.
	pingTicks     int
	pingCountdown int
}

// NewSession constructs the session for a freshly accepted connection and
// registers it with the directory.
func (sv *Server) NewSession(conn *protocol.Conn, remoteIP string) *Session {
	s := &Session{
		server:        sv,
		conn:          conn,
		logger:        sv.Logger,
		remoteIP:      remoteIP,
		inbound:       make(chan *protocol.Packet, 32),
		readErrs:      make(chan error, 1),
		done:          make(chan struct{}),
		pingCountdown: pingGraceCycles,
	}
	s.connected.Store(true)
	sv.Directory.AddSession(s)
	return s
}

func (s *Session) Connected() bool { return s.connected.Load() }
func (s *Session) IPAddr() string  { return s.remoteIP }

// Identity accessors take the directory lock: identity is published at
// login while other sessions' workers serialize rosters, and moderation
// hooks flip rank and visibility flags from whichever worker ran them.
// Code already holding the lock reads the fields directly.

func (s *Session) Name() string {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	return s.name
}

func (s *Session) Rank() data.Rank {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	return s.rank
}

func (s *Session) AccountID() uint64 {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	return s.accountID
}

func (s *Session) IsModerator() bool {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	return s.isModeratorLocked()
}

func (s *Session) IsAdmin() bool {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	return s.rank >= data.RankAdmin
}

func (s *Session) isModeratorLocked() bool { return s.rank >= data.RankModerator }

// SetRank changes the session's administrative rank. Rank is the only part
// of a session's identity that may change after authentication.
func (s *Session) SetRank(rank data.Rank) {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	s.rank = rank
}

// SetShadowBanned toggles concealment of this session's rooms from lobby
// listings without disconnecting it.
func (s *Session) SetShadowBanned(banned bool) {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	s.shadowBanned = banned
}

func (s *Session) ShadowBanned() bool {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	return s.shadowBanned
}

// SetSpectating marks the session as a spectator. Spectators stay in the
// room and receive every broadcast but their judgment reports are ignored
// and game over records no stats.
func (s *Session) SetSpectating(spectating bool) {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	s.spectating = spectating
}

func (s *Session) Spectating() bool {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	return s.spectating
}

// Room returns the session's current room, or nil.
func (s *Session) Room() *Room {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	return s.room
}

// Rights returns the session's permission tier within its current room.
func (s *Session) Rights() RoomRights {
	s.server.Directory.mu.Lock()
	defer s.server.Directory.mu.Unlock()
	return s.rights
}

// canChangeRoomSettingsLocked reports whether the session may pick songs
// and change settings in its current room.
func (s *Session) canChangeRoomSettingsLocked() bool {
	if s.room == nil {
		return false
	}
	return s.rights >= RightsOperator || s.isModeratorLocked()
}

// Run drives the session: a reader goroutine decodes frames off the wire
// while the tick loop performs keepalive accounting and dispatches at most
// one packet per tick. Returns when the session disconnects.
func (s *Session) Run(ctx context.Context) {
	go s.readLoop()

	ticker := time.NewTicker(time.Second / time.Duration(s.server.Config.Server.TickRate))
	defer ticker.Stop()

	for s.Connected() {
		select {
		case <-ctx.Done():
			s.Disconnect()
		case <-ticker.C:
			s.Update()
		}
	}

	// Membership cleanup must happen on this worker regardless of which
	// path noticed the disconnect.
	s.Disconnect()
}

// readLoop feeds decoded packets to the tick loop. Backpressure from the
// inbound channel enforces that a flooding client is consumed no faster
// than one packet per tick.
func (s *Session) readLoop() {
	for {
		pkt, err := s.conn.ReadPacket()
		if err != nil {
			select {
			case s.readErrs <- err:
			case <-s.done:
			}
			return
		}

		select {
		case s.inbound <- pkt:
		case <-s.done:
			return
		}
	}
}

// Update advances the session by one tick: keepalive first, then at most
// one packet decode-and-dispatch if inbound data is available.
func (s *Session) Update() {
	if !s.Connected() {
		return
	}
	if !s.tickKeepalive() {
		return
	}

	select {
	case err := <-s.readErrs:
		if err != io.EOF {
			s.logger.Warnf("socket error (%s): %v", s.remoteIP, err)
		}
		s.Disconnect()
	case pkt := <-s.inbound:
		s.dispatch(pkt)
	default:
	}
}

// tickKeepalive sends a ping once per second and force-disconnects a
// client whose countdown of unanswered cycles has run out. Returns false
// if the session was disconnected.
func (s *Session) tickKeepalive() bool {
	s.pingTicks++
	if s.pingTicks < s.server.Config.Server.TickRate {
		return true
	}
	s.pingTicks = 0

	if s.pingCountdown == 0 {
		s.logger.Infof("ping timeout for '%s', disconnecting", s.name)
		s.Disconnect()
		return false
	}

	s.pingCountdown--
	s.send(protocol.NewMessage(s.command(packets.Ping)))
	return true
}

// command applies the configured server offset to an outgoing command code.
func (s *Session) command(cmd packets.Command) byte {
	return byte(int(cmd) + s.server.Config.Server.Offset)
}

// send pushes one reply to the client. A transport failure is terminal:
// the session is marked disconnected (cleanup happens on its own worker)
// and the error is not retried. Safe to call from another session's
// worker during broadcasts.
func (s *Session) send(m *protocol.Message) {
	if !s.Connected() {
		return
	}
	if err := s.conn.Send(m); err != nil {
		s.logger.Warnf("error sending to %s: %v", s.remoteIP, err)
		s.markDisconnected()
	}
}

// markDisconnected flips the connection flag and closes the transport
// without touching room membership, so it is safe under the directory lock.
func (s *Session) markDisconnected() {
	if s.connected.CompareAndSwap(true, false) {
		s.closeOnce.Do(func() { close(s.done) })
		_ = s.conn.Close()
	}
}

// Disconnect tears the session down: removes it from its room (with the
// full departure broadcast sequence) and from the active session set, and
// closes the transport. Idempotent. Must not be called while holding the
// directory lock.
func (s *Session) Disconnect() {
	s.markDisconnected()
	s.cleanupOnce.Do(func() {
		s.logger.Infof("client '%s' disconnected", s.name)

		d := s.server.Directory
		d.mu.Lock()
		d.leaveRoomLocked(s)
		d.mu.Unlock()
		d.RemoveSession(s)
	})
}

// Kick disconnects the session. Issued on authentication precondition
// failures and by moderation hooks.
func (s *Session) Kick() {
	s.logger.Infof("client '%s' kicked", s.name)
	s.Disconnect()
}

// Ban records a ban row for the session's account. originID is the account
// that issued the ban, zero when it came from the server itself.
func (s *Session) Ban(originID uint64) {
	if s.accountID == 0 {
		return
	}
	ban := &data.Ban{AccountID: s.accountID, OriginID: originID, IP: s.remoteIP}
	if err := data.CreateBan(s.server.DB, ban); err != nil {
		s.logger.Errorf("error recording ban for '%s': %v", s.name, err)
	}
}

// KickBan bans the session's account and kicks it.
func (s *Session) KickBan(originID uint64) {
	s.Ban(originID)
	s.Kick()
}

// requireAuth kicks sessions that issue authenticated commands before
// logging in. Returns false if the session was kicked.
func (s *Session) requireAuth() bool {
	if s.name == "" {
		s.Kick()
		return false
	}
	return true
}

// NameFormat runs the session's display name through the registered
// name-formatting hooks and resets the chat color afterwards.
func (s *Session) NameFormat() string {
	return s.server.Hooks.FormatName(s, s.name) + chatColor("ffffff")
}

// SendChatMessage pushes a system or relayed chat line to this client.
func (s *Session) SendChatMessage(message string) {
	prefix := ""
	if !strings.HasPrefix(message, "|c0") {
		prefix = chatColor("ffffff")
	}

	m := protocol.NewMessage(s.command(packets.ChatMessage))
	m.WriteString(" " + prefix + message + " ")
	s.send(m)
}

// SendAttack pushes a modifier attack at the client, e.g.
// "300% wave, *4 -300% beat" for ms milliseconds.
func (s *Session) SendAttack(modifiers string, ms int) {
	m := protocol.NewMessage(s.command(packets.Attack))
	m.WriteU8(0) // player number
	m.WriteU32(uint32(ms))
	m.WriteString(modifiers)
	s.send(m)
}

// fullCombo reports whether the play so far has no judgments in any
// category that breaks a combo.
func (s *Session) fullCombo() bool {
	bad := 0
	for i := 0; i <= int(packets.NoteW4); i++ {
		bad += s.notes[i]
	}
	return bad == 0
}

// noteCount is the number of judged taps so far.
func (s *Session) noteCount() int {
	count := 0
	for i := int(packets.NoteMiss); i < int(packets.NumNotes); i++ {
		count += s.notes[i]
	}
	return count
}

// smoScore is the judgment-weighted score used to order leaderboard columns.
func (s *Session) smoScore() int {
	score := 0
	for i := int(packets.NoteW5); i < int(packets.NumNotes); i++ {
		score += s.notes[i] * (i - int(packets.NoteMiss))
	}
	return score
}

// setGrade applies a grade reported by the client, upgrading anything at
// or below A to AA on a full combo when the server is configured to.
func (s *Session) setGrade(grade packets.Grade) {
	if s.server.Config.Game.FullComboIsAA && grade >= packets.GradeA && s.fullCombo() {
		s.grade = packets.GradeAA
		return
	}
	s.grade = grade
}

// resetPlayState clears the per-song counters at the start of a play.
func (s *Session) resetPlayState() {
	s.notes = [packets.NumNotes]int{}
	s.score = 0
	s.combo = 0
	s.maxCombo = 0
	s.grade = packets.GradeAAAA
}
