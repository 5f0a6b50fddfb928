// Package protocol covers the TraCI command layer: the two-form command
// size prefix, the control opcodes the hub owns, and status responses.
package protocol

import (
	"fmt"

	"github.com/opentraffic/tracihub/pkg/errors"
	"github.com/opentraffic/tracihub/pkg/storage"
)

// Control opcodes consumed by the hub; every other opcode is opaque
// application traffic and relayed bytewise.
const (
	CmdSimStep2 byte = 0x02
	CmdClose    byte = 0x7F
)

// Status result codes.
const (
	RTypeOK  byte = 0x00
	RTypeErr byte = 0xFF
)

// ReadCommandSize reads the command size prefix at the buffer's cursor and
// returns the command length discounting the bytes of the prefix itself.
// Sizes up to 255 occupy a single byte; larger sizes are a zero byte
// followed by an int32 covering the whole command including both prefix
// fields.
func ReadCommandSize(in *storage.Storage) (int, error) {
	size, err := in.ReadUnsignedByte()
	if err != nil {
		return 0, err
	}
	if size != 0 {
		return int(size) - 1, nil
	}

	wide, err := in.ReadInt()
	if err != nil {
		return 0, err
	}
	return wide - 5, nil
}

// WriteCommandSize writes the size prefix for a command of the given
// length, where size discounts the prefix bytes. The prefix bytes are
// accounted for internally, mirroring ReadCommandSize.
func WriteCommandSize(out *storage.Storage, size int) {
	size++
	if size < 256 {
		out.WriteUnsignedByte(byte(size))
		return
	}
	out.WriteUnsignedByte(0)
	out.WriteInt(size + 4)
}

// WriteStatusCmd appends a status response for cmdCode with the given
// result code and description. Status responses always fit the single-byte
// size form.
func WriteStatusCmd(out *storage.Storage, cmdCode byte, result byte, description string) {
	out.WriteUnsignedByte(byte(1 + 1 + 1 + 4 + len(description)))
	out.WriteUnsignedByte(cmdCode)
	out.WriteUnsignedByte(result)
	out.WriteString(description)
}

// VerifyStatusResponse parses a status response for cmdCode at the
// buffer's cursor. It returns the success flag and the description string.
// Structural faults are attributed to the engine on the given port.
func VerifyStatusResponse(answer *storage.Storage, cmdCode byte, port int) (bool, string, error) {
	size, err := ReadCommandSize(answer)
	if err != nil {
		return false, "", &errors.Protocol{
			Reason: "Message too short: cannot read the size of a status response",
			Port:   port,
		}
	}
	if size < 6 {
		return false, "", &errors.Protocol{
			Reason: fmt.Sprintf("Invalid status response for command %d: %d bytes is too short", cmdCode, size),
			Port:   port,
		}
	}

	actualCmdCode, err := answer.ReadUnsignedByte()
	if err != nil {
		return false, "", &errors.Protocol{
			Reason: "Message too short: couldn't read command code",
			Port:   port,
		}
	}
	if actualCmdCode != cmdCode {
		return false, "", &errors.Protocol{
			Reason: fmt.Sprintf("Received status response for command %d when expecting %d", actualCmdCode, cmdCode),
			Port:   port,
		}
	}

	result, err := answer.ReadUnsignedByte()
	if err != nil {
		return false, "", &errors.Protocol{
			Reason: "Message too short: couldn't read result code",
			Port:   port,
		}
	}

	description, err := answer.ReadString()
	if err != nil {
		return false, "", &errors.Protocol{
			Reason: "Message too short: couldn't read result description",
			Port:   port,
		}
	}

	return result == RTypeOK, description, nil
}
