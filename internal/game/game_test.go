package game

import (
	"bytes"
	"encoding/binary"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/opensmo/smopd/internal/core"
	"github.com/opensmo/smopd/internal/core/data"
	"github.com/opensmo/smopd/internal/packets"
	"github.com/opensmo/smopd/internal/protocol"
)

// fakeTransport stands in for a client socket. Reads immediately report
// EOF since tests inject packets through dispatch directly; writes are
// captured for frame-level assertions.
type fakeTransport struct {
	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func (f *fakeTransport) Read(p []byte) (int, error) { return 0, io.EOF }

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Write(p)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) drain() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := append([]byte(nil), f.out.Bytes()...)
	f.out.Reset()
	return raw
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &core.Config{}
	cfg.Server.Name = "smopd test"
	cfg.Server.MOTD = "Welcome to smopd!"
	cfg.Server.Version = 128
	cfg.Server.Offset = 128
	cfg.Server.TickRate = 1
	cfg.Server.AllowRegistration = true
	cfg.Game.MaxPlayersPerRoom = 8
	cfg.Game.FullComboIsAA = true
	cfg.Database.Engine = "sqlite"
	cfg.Database.Filename = filepath.Join(t.TempDir(), "smopd.db")

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := data.Initialize(cfg)
	if err != nil {
		t.Fatalf("error initializing test database: %v", err)
	}
	t.Cleanup(func() { _ = data.Shutdown(db) })

	return &Server{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Cache:     data.NewCache(),
		Directory: NewDirectory(logger),
		Hooks:     NewHooks(logger),
	}
}

// newTestSession registers a session over a fake transport. A non-empty
// name marks the session as authenticated.
func newTestSession(sv *Server, name string) (*Session, *fakeTransport) {
	ft := &fakeTransport{}
	s := sv.NewSession(protocol.NewConn(ft), "192.0.2.1")
	s.name = name
	if name != "" {
		s.accountID = 1
	}
	return s, ft
}

// payload builds the body of an inbound packet field by field.
type payload struct {
	buf bytes.Buffer
}

func newPayload() *payload { return &payload{} }

func (p *payload) writeByte(b byte) *payload {
	p.buf.WriteByte(b)
	return p
}

func (p *payload) writeUint16(v uint16) *payload {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	p.buf.Write(b[:])
	return p
}

func (p *payload) writeUint32(v uint32) *payload {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	p.buf.Write(b[:])
	return p
}

func (p *payload) writeString(s string) *payload {
	p.buf.WriteString(s)
	p.buf.WriteByte(0)
	return p
}

func (p *payload) packet(cmd packets.Command) *protocol.Packet {
	return protocol.NewPacket(cmd, p.buf.Bytes())
}

// decodeSent splits everything written to the transport back into packets.
func decodeSent(t *testing.T, ft *fakeTransport) []*protocol.Packet {
	t.Helper()

	raw := ft.drain()
	var pkts []*protocol.Packet
	for len(raw) > 0 {
		if len(raw) < 4 {
			t.Fatal("truncated frame header")
		}
		size := int(binary.BigEndian.Uint32(raw))
		raw = raw[4:]
		if size == 0 || size > len(raw) {
			t.Fatalf("bad frame size %d with %d bytes left", size, len(raw))
		}
		pkts = append(pkts, protocol.NewPacket(raw[0], raw[1:size]))
		raw = raw[size:]
	}
	return pkts
}

// sentWithCommand filters decoded packets down to one logical command,
// accounting for the server offset.
func sentWithCommand(sv *Server, pkts []*protocol.Packet, cmd packets.Command) []*protocol.Packet {
	want := byte(int(cmd) + sv.Config.Server.Offset)
	var matched []*protocol.Packet
	for _, pkt := range pkts {
		if pkt.Command() == want {
			matched = append(matched, pkt)
		}
	}
	return matched
}

// chatLines extracts the text of every chat packet sent to a transport.
func chatLines(t *testing.T, sv *Server, ft *fakeTransport) []string {
	t.Helper()

	var lines []string
	for _, pkt := range sentWithCommand(sv, decodeSent(t, ft), packets.ChatMessage) {
		line, err := pkt.ReadString()
		if err != nil {
			t.Fatalf("unreadable chat packet: %v", err)
		}
		lines = append(lines, line)
	}
	return lines
}

func containsLine(lines []string, substr string) bool {
	for _, line := range lines {
		if bytes.Contains([]byte(line), []byte(substr)) {
			return true
		}
	}
	return false
}

func createRoom(s *Session, name, description, password string) {
	s.dispatch(newPayload().
		writeByte(packets.SMOnlineCreateRoom).
		writeByte(0).
		writeString(name).
		writeString(description).
		writeString(password).
		packet(packets.SMOnline))
}

func joinRoom(s *Session, name, password string) {
	s.dispatch(newPayload().
		writeByte(packets.SMOnlineJoinRoom).
		writeByte(0).
		writeString(name).
		writeString(password).
		packet(packets.SMOnline))
}
