package rcon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Packet types of the remote console protocol. The wire format is
// [u32 length][u32 requestID][u32 type][payload][0x00 0x00], all fields
// little-endian. Length counts everything after itself.
const (
	packetTypeAuth         = 3
	packetTypeExecCommand  = 2
	packetTypeResponse     = 0
	packetTypeAuthResponse = 2
)

// authFailedID is the request id a server echoes back when the password was
// rejected.
const authFailedID = 0xFFFFFFFF

const maxPacketSize = 4096

// ErrAuthFailed is returned when the server rejects the password.
var ErrAuthFailed = errors.New("rcon: authentication failed")

// Session is an authenticated console connection.
type Session struct {
	conn    net.Conn
	timeout time.Duration
	nextID  uint32
}

// Dial connects to addr, authenticates, and returns a live session. The
// timeout bounds the TCP connect and every subsequent read/write.
func Dial(addr, password string, timeout time.Duration) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("rcon: connect %s: %w", addr, err)
	}

	s := &Session{conn: conn, timeout: timeout, nextID: 1}

	if err := s.writePacket(packetTypeAuth, password); err != nil {
		conn.Close()
		return nil, err
	}

	id, _, _, err := s.readPacket()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if id == authFailedID {
		conn.Close()
		return nil, ErrAuthFailed
	}

	return s, nil
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Exec sends a command and returns the textual reply with protocol padding
// stripped.
func (s *Session) Exec(command string) (string, error) {
	if err := s.writePacket(packetTypeExecCommand, command); err != nil {
		return "", err
	}

	_, _, payload, err := s.readPacket()
	if err != nil {
		return "", err
	}

	return strings.TrimRight(string(payload), "\x00\n "), nil
}

// SaveWorld asks the server to flush the world to disk.
func (s *Session) SaveWorld() error {
	_, err := s.Exec("SaveWorld")
	return err
}

// Shutdown asks the in-game server process to exit cleanly.
func (s *Session) Shutdown() error {
	_, err := s.Exec("DoExit")
	return err
}

// Broadcast sends a chat message to every connected player.
func (s *Session) Broadcast(msg string) error {
	_, err := s.Exec("ServerChat " + msg)
	return err
}

// ListPlayers returns the server's player listing.
func (s *Session) ListPlayers() (string, error) {
	return s.Exec("ListPlayers")
}

// Available reports whether an authenticated console round-trip succeeds.
// Every failure mode (refused connection, bad password, timeout) collapses to
// false; callers treat the console as a best-effort channel.
func Available(addr, password string, timeout time.Duration) bool {
	s, err := Dial(addr, password, timeout)
	if err != nil {
		return false
	}
	defer s.Close()

	_, err = s.ListPlayers()
	return err == nil
}

func (s *Session) writePacket(packetType uint32, payload string) error {
	id := s.nextID
	s.nextID++

	buf := encodePacket(id, packetType, payload)

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("rcon: write: %w", err)
	}
	return nil
}

func (s *Session) readPacket() (id, packetType uint32, payload []byte, err error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return 0, 0, nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		return 0, 0, nil, fmt.Errorf("rcon: read length: %w", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < 10 || length > maxPacketSize {
		return 0, 0, nil, fmt.Errorf("rcon: invalid packet length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return 0, 0, nil, fmt.Errorf("rcon: read body: %w", err)
	}

	id = binary.LittleEndian.Uint32(body[0:4])
	packetType = binary.LittleEndian.Uint32(body[4:8])
	// Strip the request id, type and the two trailing null bytes to recover
	// the textual reply.
	payload = body[8 : length-2]
	return id, packetType, payload, nil
}

// encodePacket frames one request. Split out for tests.
func encodePacket(id, packetType uint32, payload string) []byte {
	// requestID + type + payload + 2 trailing nulls
	length := 4 + 4 + len(payload) + 2

	buf := make([]byte, 4+length)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], id)
	binary.LittleEndian.PutUint32(buf[8:12], packetType)
	copy(buf[12:], payload)
	// Last two bytes stay zero.
	return buf
}
