package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/opentraffic/tracihub/pkg/storage"
)

// Every TCP message carries a 4-byte big-endian prefix holding the total
// message length including the prefix itself.
const lengthPrefixSize = 4

type InvalidMessageLength struct {
	Length int
}

func (e *InvalidMessageLength) Error() string {
	return fmt.Sprintf("Invalid message length prefix %d", e.Length)
}

type tcpConn struct {
	conn net.Conn
}

// DialTCP connects to a TCP peer, typically the simulation engine.
func DialTCP(host string, port int) (Conn, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, err
	}
	return &tcpConn{conn: conn}, nil
}

func (c *tcpConn) SendExact(s *storage.Storage) error {
	payload := s.Bytes()

	buf := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(lengthPrefixSize+len(payload)))
	copy(buf[lengthPrefixSize:], payload)

	total := 0
	for total < len(buf) {
		n, err := c.conn.Write(buf[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func (c *tcpConn) ReceiveExact(s *storage.Storage) error {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.conn, prefix[:]); err != nil {
		return err
	}

	length := int(int32(binary.BigEndian.Uint32(prefix[:])))
	if length < lengthPrefixSize {
		return &InvalidMessageLength{Length: length}
	}

	payload := make([]byte, length-lengthPrefixSize)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return err
	}

	s.Reset()
	s.WriteBytes(payload)
	return nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

type tcpListener struct {
	ln       net.Listener
	accepted bool
}

// NewTCPListener opens a listening socket on the given port. Port 0 binds
// an ephemeral port, reported by Port.
func NewTCPListener(port int) (Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

func (l *tcpListener) Accept() (Conn, error) {
	if l.accepted {
		return nil, net.ErrClosed
	}

	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	l.accepted = true

	// One peer per port; stop listening as soon as it arrives.
	if err := l.ln.Close(); err != nil {
		conn.Close()
		return nil, err
	}

	return &tcpConn{conn: conn}, nil
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
