// Package storage implements the growable byte buffer the TraCI protocol
// layers read from and write to. A Storage carries its own read cursor;
// writes always append at the end, reads consume from the cursor forward.
// All multi-byte values are big-endian on the wire.
package storage

import (
	"encoding/binary"

	"github.com/opentraffic/tracihub/pkg/errors"
)

type Storage struct {
	data []byte
	pos  int
}

func New() *Storage {
	return &Storage{}
}

// FromBytes creates a Storage holding a copy of b with the read cursor at
// the start. Copying keeps the caller's slice from aliasing the buffer.
func FromBytes(b []byte) *Storage {
	data := make([]byte, len(b))
	copy(data, b)
	return &Storage{data: data}
}

// Reset empties the buffer and rewinds the read cursor.
func (s *Storage) Reset() {
	s.data = s.data[:0]
	s.pos = 0
}

// ValidPos reports whether the read cursor still has bytes ahead of it.
func (s *Storage) ValidPos() bool {
	return s.pos < len(s.data)
}

// Size returns the total number of bytes held, regardless of cursor.
func (s *Storage) Size() int {
	return len(s.data)
}

// Remaining returns the number of unread bytes ahead of the cursor.
func (s *Storage) Remaining() int {
	return len(s.data) - s.pos
}

// Bytes returns the full contents, including already-read bytes. The slice
// aliases the buffer and is only valid until the next write or Reset.
func (s *Storage) Bytes() []byte {
	return s.data
}

func (s *Storage) require(n int) error {
	if s.Remaining() < n {
		return &errors.ShortRead{Wanted: n, Remaining: s.Remaining()}
	}
	return nil
}

func (s *Storage) ReadUnsignedByte() (byte, error) {
	if err := s.require(1); err != nil {
		return 0, err
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}

func (s *Storage) ReadChar() (int8, error) {
	b, err := s.ReadUnsignedByte()
	return int8(b), err
}

func (s *Storage) ReadInt() (int, error) {
	if err := s.require(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(s.data[s.pos : s.pos+4]))
	s.pos += 4
	return int(v), nil
}

// ReadString reads an int32 length prefix followed by that many UTF-8
// bytes.
func (s *Storage) ReadString() (string, error) {
	n, err := s.ReadInt()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", &errors.ShortRead{Wanted: n, Remaining: s.Remaining()}
	}
	if err := s.require(n); err != nil {
		return "", err
	}
	v := string(s.data[s.pos : s.pos+n])
	s.pos += n
	return v, nil
}

// ReadBytes consumes and returns the next n bytes as a copy.
func (s *Storage) ReadBytes(n int) ([]byte, error) {
	if err := s.require(n); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, s.data[s.pos:s.pos+n])
	s.pos += n
	return v, nil
}

func (s *Storage) WriteUnsignedByte(b byte) {
	s.data = append(s.data, b)
}

func (s *Storage) WriteChar(b int8) {
	s.WriteUnsignedByte(byte(b))
}

func (s *Storage) WriteInt(v int) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(int32(v)))
	s.data = append(s.data, buf[:]...)
}

func (s *Storage) WriteString(v string) {
	s.WriteInt(len(v))
	s.data = append(s.data, v...)
}

func (s *Storage) WriteBytes(b []byte) {
	s.data = append(s.data, b...)
}

// WriteStorage appends the full contents of other, ignoring its read
// cursor.
func (s *Storage) WriteStorage(other *Storage) {
	s.data = append(s.data, other.data...)
}
