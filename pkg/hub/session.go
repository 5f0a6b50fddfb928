package hub

import (
	"go.uber.org/zap"

	"github.com/opentraffic/tracihub/pkg/errors"
	"github.com/opentraffic/tracihub/pkg/protocol"
	"github.com/opentraffic/tracihub/pkg/storage"
	"github.com/opentraffic/tracihub/pkg/transport"
)

// Session is the hub's per-client state machine. It wraps the single
// connection accepted on its listener plus two buffers: the inbound message
// currently being drained and the answers accumulated for the next flush.
//
// A session stops forwarding as soon as it sees a SIMSTEP2 (waiting) or
// CLOSE (disconnecting) command; waiting clears when the engine clock
// reaches the requested target time, disconnecting ends with a goodbye
// status and a closed socket.
type Session struct {
	listener transport.Listener
	conn     transport.Conn

	pendingIn  *storage.Storage
	pendingOut *storage.Storage

	connected     bool
	waiting       bool
	disconnecting bool
	targetTime    int

	log *zap.Logger
}

func NewSession(listener transport.Listener, logger *zap.Logger) *Session {
	return &Session{
		listener:   listener,
		pendingIn:  storage.New(),
		pendingOut: storage.New(),
		targetTime: -1,
		log:        logger.With(zap.Int("port", listener.Port())),
	}
}

func (s *Session) Port() int {
	return s.listener.Port()
}

// Accept waits for the session's peer. Each session accepts exactly once
// over its lifetime; there is no reconnect.
func (s *Session) Accept() error {
	if s.connected {
		s.log.Warn("Ignoring accept on already-connected session")
		return nil
	}

	conn, err := s.listener.Accept()
	if err != nil {
		return err
	}

	s.conn = conn
	s.connected = true
	return nil
}

// CanAct reports whether the session may forward more commands this round.
// currentTime is unused for now; kept for conditional release policies.
func (s *Session) CanAct(currentTime int) bool {
	return s.connected && !s.waiting && !s.disconnecting
}

func (s *Session) IsConnected() bool {
	return s.connected
}

func (s *Session) hasPendingCommands() bool {
	return s.pendingIn.ValidPos()
}

func (s *Session) hasPendingAnswers() bool {
	return s.pendingOut.Size() > 0
}

// HandleStepResult delivers the engine's step answer once the simulated
// clock reaches the session's target time. An engine-reported failure
// releases the session immediately, regardless of target time.
func (s *Session) HandleStepResult(currentTime int, success bool, resultMsg []byte) {
	if success && currentTime < s.targetTime && s.targetTime != -1 {
		return
	}

	s.waiting = false
	s.PutAnswers(resultMsg)
}

// GetCommands drains the session's current inbound message into out,
// stopping at the first SIMSTEP2 or CLOSE. If no inbound bytes are pending
// it blocks on a receive first. Transport faults mark the session
// disconnected and return false; protocol faults propagate.
func (s *Session) GetCommands(out *storage.Storage, currentTime int) (bool, error) {
	if !s.CanAct(currentTime) && !s.disconnecting && !s.hasPendingAnswers() {
		return false, nil
	}

	if !s.hasPendingCommands() {
		s.pendingIn.Reset()

		if err := s.conn.ReceiveExact(s.pendingIn); err != nil {
			s.log.Info("Client connection lost on receive", zap.Error(err))
			s.connected = false
			return false, nil
		}
	}

	var cmd byte
	processedCmds := 0

	for s.pendingIn.ValidPos() {
		c, err := s.handleCommand(s.pendingIn, out)
		if err != nil {
			return false, err
		}
		cmd = c
		processedCmds++

		if cmd == protocol.CmdSimStep2 || cmd == protocol.CmdClose {
			break
		}
	}

	// If the only command was 'close', its answer goes out right away.
	if cmd == protocol.CmdClose && processedCmds == 1 {
		return s.SendAnswers(), nil
	}

	return true, nil
}

// handleCommand consumes one command from in. Control opcodes mutate
// session state and are absorbed; anything else is copied to out bytewise,
// size prefix reconstructed.
func (s *Session) handleCommand(in *storage.Storage, out *storage.Storage) (byte, error) {
	size, err := protocol.ReadCommandSize(in)
	if err != nil {
		return 0, &errors.Protocol{
			Reason:     "Message too short: cannot read the size of a command",
			Port:       s.Port(),
			FromClient: true,
		}
	}

	cmdCode, err := in.ReadUnsignedByte()
	if err != nil {
		return 0, &errors.Protocol{
			Reason:     "Message too short: cannot read the code of a command",
			Port:       s.Port(),
			FromClient: true,
		}
	}

	switch cmdCode {
	case protocol.CmdSimStep2:
		nextT, err := in.ReadInt()
		if err != nil {
			return 0, &errors.Protocol{
				Reason:     "Message too short: cannot read the target time of a SIMSTEP2 command",
				Port:       s.Port(),
				FromClient: true,
			}
		}

		// Target 0 means "release on the very next step".
		if nextT == 0 {
			s.targetTime = -1
		} else {
			s.targetTime = nextT
		}
		s.waiting = true

	case protocol.CmdClose:
		s.disconnecting = true

	default:
		protocol.WriteCommandSize(out, size)
		out.WriteUnsignedByte(cmdCode)

		payload, err := in.ReadBytes(size - 1)
		if err != nil {
			return 0, &errors.Protocol{
				Reason:     "Message too short: couldn't read all bytes from the command",
				Port:       s.Port(),
				FromClient: true,
			}
		}
		out.WriteBytes(payload)
	}

	return cmdCode, nil
}

// PutAnswers records engine answer bytes for the client and flushes them
// unless the session still has commands pending in the current message or
// is waiting on a step.
func (s *Session) PutAnswers(answers []byte) bool {
	if !s.connected {
		return false
	}

	s.pendingOut.WriteBytes(answers)

	if !s.waiting && (!s.hasPendingCommands() || s.disconnecting) {
		return s.SendAnswers()
	}

	return true
}

// SendAnswers flushes the accumulated answers to the client. A
// disconnecting session gets a goodbye status appended and its socket
// closed after the flush.
func (s *Session) SendAnswers() bool {
	if !s.connected {
		return false
	}

	if s.disconnecting {
		protocol.WriteStatusCmd(s.pendingOut, protocol.CmdClose, protocol.RTypeOK, "Goodbye")
	}

	if err := s.conn.SendExact(s.pendingOut); err != nil {
		s.log.Info("Client connection lost on send", zap.Error(err))
		s.connected = false
		return false
	}
	s.log.Debug("Flushed answers to client", zap.Int("bytes", s.pendingOut.Size()))

	if s.disconnecting {
		s.CloseConn()
	}

	s.pendingOut.Reset()
	return true
}

// CloseConn tears the connection down without a goodbye.
func (s *Session) CloseConn() {
	if !s.connected {
		return
	}

	if err := s.conn.Close(); err != nil {
		s.log.Warn("Error closing client connection", zap.Error(err))
	}
	s.connected = false
	s.log.Info("Client connection closed")
}
