// The protocol package implements the length-framed binary codec used by
// SMOP clients. Every packet on the wire is a 4 byte big-endian length
// prefix followed by a payload whose first byte is the command code.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxPacketSize is the largest payload the server will accept from a client.
// Legitimate SMOP packets are tiny; anything near this size is garbage.
const MaxPacketSize = 0x10000

// writeTimeout bounds how long one stalled client's full TCP buffer can
// block a write. Broadcasts push frames while holding the room directory
// lock, so an unbounded write would stall every room.
const writeTimeout = 10 * time.Second

var ErrPacketExhausted = errors.New("read past end of packet")

// Conn wraps a client connection with the SMOP framing. Writes of a single
// Message are serialized under a mutex since broadcasts cause one session's
// worker to push replies onto another session's connection.
type Conn struct {
	transport io.ReadWriteCloser
	reader    *bufio.Reader

	writeMu sync.Mutex
}

func NewConn(transport io.ReadWriteCloser) *Conn {
	return &Conn{
		transport: transport,
		reader:    bufio.NewReader(transport),
	}
}

// ReadPacket blocks until one full frame has been consumed from the
// transport and returns it as a Packet. Any error is terminal for the
// connection; framing cannot be trusted afterwards.
func (c *Conn) ReadPacket() (*Packet, error) {
	var size uint32
	if err := binary.Read(c.reader, binary.BigEndian, &size); err != nil {
		return nil, err
	}

	if size == 0 || size > MaxPacketSize {
		return nil, fmt.Errorf("invalid packet length %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, err
	}

	return &Packet{command: payload[0], data: payload[1:]}, nil
}

// Send frames and writes one logical reply. The whole message reaches the
// transport in a single Write so replies from different goroutines never
// interleave.
func (c *Conn) Send(m *Message) error {
	payload := m.buf.Bytes()

	frame := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if t, ok := c.transport.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = t.SetWriteDeadline(time.Now().Add(writeTimeout))
	}

	for sent := 0; sent < len(frame); {
		n, err := c.transport.Write(frame[sent:])
		if err != nil {
			return fmt.Errorf("error writing %d byte packet: %w", len(frame), err)
		}
		sent += n
	}
	return nil
}

func (c *Conn) Close() error {
	return c.transport.Close()
}

// Packet is one decoded inbound frame. Readers must check Remaining before
// consuming optional trailing fields; reading past the declared boundary
// returns ErrPacketExhausted.
type Packet struct {
	command byte
	data    []byte
	pos     int
}

// NewPacket builds a Packet from a raw command and payload. Used by tests
// and by anything replaying captured packets.
func NewPacket(command byte, data []byte) *Packet {
	return &Packet{command: command, data: data}
}

func (p *Packet) Command() byte { return p.command }

// Remaining reports the number of unread payload bytes in the packet.
func (p *Packet) Remaining() int { return len(p.data) - p.pos }

func (p *Packet) ReadByte() (byte, error) {
	if p.Remaining() < 1 {
		return 0, ErrPacketExhausted
	}
	b := p.data[p.pos]
	p.pos++
	return b, nil
}

func (p *Packet) ReadUint16() (uint16, error) {
	if p.Remaining() < 2 {
		return 0, ErrPacketExhausted
	}
	v := binary.BigEndian.Uint16(p.data[p.pos:])
	p.pos += 2
	return v, nil
}

func (p *Packet) ReadUint32() (uint32, error) {
	if p.Remaining() < 4 {
		return 0, ErrPacketExhausted
	}
	v := binary.BigEndian.Uint32(p.data[p.pos:])
	p.pos += 4
	return v, nil
}

// ReadString consumes bytes up to (and including) the next null terminator.
// A packet truncated mid-string yields the bytes up to the boundary.
func (p *Packet) ReadString() (string, error) {
	if p.Remaining() == 0 {
		return "", ErrPacketExhausted
	}

	end := bytes.IndexByte(p.data[p.pos:], 0)
	if end == -1 {
		s := string(p.data[p.pos:])
		p.pos = len(p.data)
		return s, nil
	}

	s := string(p.data[p.pos : p.pos+end])
	p.pos += end + 1
	return s, nil
}

// Discard drops whatever remains of the packet payload.
func (p *Packet) Discard() {
	p.pos = len(p.data)
}

// Message accumulates the fields of one outbound packet. Nothing reaches
// the network until the Message is handed to Conn.Send.
type Message struct {
	buf bytes.Buffer
}

func NewMessage(command byte) *Message {
	m := &Message{}
	m.buf.WriteByte(command)
	return m
}

func (m *Message) WriteU8(b byte) *Message {
	m.buf.WriteByte(b)
	return m
}

func (m *Message) WriteU16(v uint16) *Message {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	m.buf.Write(b[:])
	return m
}

func (m *Message) WriteU32(v uint32) *Message {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	m.buf.Write(b[:])
	return m
}

// WriteString writes a null-terminated string.
func (m *Message) WriteString(s string) *Message {
	m.buf.WriteString(s)
	m.buf.WriteByte(0)
	return m
}
