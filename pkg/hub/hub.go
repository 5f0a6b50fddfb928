// Package hub implements the TraCI multiplexing hub: one connection to the
// simulation engine, one session per control client, and the step
// synchronization between them.
//
// The hub is deliberately single-threaded: sessions are serviced in
// configured order, each drained up to its first step or close request,
// and one engine step is issued per round after every session had its
// turn. All socket I/O blocks; a client that sends nothing stalls the hub
// until its message arrives, which is what the step semantics require.
package hub

import (
	goerrs "errors"

	"go.uber.org/zap"

	"github.com/opentraffic/tracihub/pkg/errors"
	"github.com/opentraffic/tracihub/pkg/protocol"
	"github.com/opentraffic/tracihub/pkg/storage"
	"github.com/opentraffic/tracihub/pkg/transport"
)

type Config struct {
	SumoHost string
	SumoPort int

	// StepLength is the simulated time in ms one engine step represents.
	StepLength int

	Logger *zap.Logger

	// DialEngine overrides the engine connection for tests.
	DialEngine func(host string, port int) (transport.Conn, error)
}

type Hub struct {
	config Config

	engine   transport.Conn
	sessions []*Session

	stepLength  int
	currentTime int

	log *zap.Logger
}

func New(config Config, listeners []transport.Listener) *Hub {
	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	stepLength := config.StepLength
	if stepLength <= 0 {
		stepLength = 1000
	}

	sessions := make([]*Session, 0, len(listeners))
	for _, ln := range listeners {
		sessions = append(sessions, NewSession(ln, logger))
	}

	return &Hub{
		config:     config,
		sessions:   sessions,
		stepLength: stepLength,
		log:        logger.With(zap.String("component", "hub")),
	}
}

// CurrentTime returns the simulated clock in ms; it starts at zero and
// advances by the step length on every engine step.
func (h *Hub) CurrentTime() int {
	return h.currentTime
}

// Execute runs the hub to completion and returns the process exit status:
// 0 on clean shutdown, 1 on engine-side failure, 2 on client-side failure.
func (h *Hub) Execute() int {
	result := 0

	if !h.connectToSUMO() {
		return 1
	}

	if !h.acceptClients() {
		h.disconnectSUMO()
		return 2
	}

	err := h.run()
	if err != nil {
		var protoErr *errors.Protocol
		if goerrs.As(err, &protoErr) {
			h.log.Error("Protocol error", zap.Error(err))
			if protoErr.FromClient {
				result = 2
			} else {
				result = 1
			}
		} else {
			h.log.Error("Error communicating to SUMO", zap.Error(err))
			result = 1
		}
	}

	h.disconnectSUMO()
	if result == 0 {
		h.log.Info("Finished simulation and disconnected from SUMO")
	} else {
		h.closeClients()
	}

	return result
}

func (h *Hub) run() error {
	active := true
	for active {
		var err error
		active, err = h.handleStep()
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) connectToSUMO() bool {
	dial := h.config.DialEngine
	if dial == nil {
		dial = transport.DialTCP
	}

	engine, err := dial(h.config.SumoHost, h.config.SumoPort)
	if err != nil {
		h.log.Error("Couldn't connect to SUMO",
			zap.String("host", h.config.SumoHost),
			zap.Int("port", h.config.SumoPort),
			zap.Error(err))
		return false
	}

	h.engine = engine
	h.log.Info("Connected to SUMO", zap.Int("port", h.config.SumoPort))
	return true
}

// disconnectSUMO sends the CLOSE frame and shuts the engine connection.
// Safe to call when already disconnected.
func (h *Hub) disconnectSUMO() {
	if h.engine == nil {
		return
	}

	closeCmd := storage.New()
	closeCmd.WriteUnsignedByte(1 + 1)
	closeCmd.WriteUnsignedByte(protocol.CmdClose)

	if err := h.engine.SendExact(closeCmd); err != nil {
		h.log.Warn("Failed to send close command to SUMO", zap.Error(err))
	}

	if err := h.engine.Close(); err != nil {
		h.log.Warn("Error closing SUMO connection", zap.Error(err))
	}
	h.engine = nil
}

func (h *Hub) acceptClients() bool {
	for _, session := range h.sessions {
		h.log.Info("Waiting for connection", zap.Int("port", session.Port()))

		if err := session.Accept(); err != nil {
			h.log.Error("Error with client connection",
				zap.Int("port", session.Port()),
				zap.Error(err))
			return false
		}
	}

	h.log.Info("All clients finished connecting")
	return true
}

func (h *Hub) closeClients() {
	for _, session := range h.sessions {
		session.CloseConn()
	}
}

// handleStep services every connected session in configured order, then
// advances the engine by one step. It reports whether any session was
// still connected after its turn.
func (h *Hub) handleStep() (bool, error) {
	someConnected := false

	for _, session := range h.sessions {
		if !session.IsConnected() {
			continue
		}

		if err := h.handleClient(session); err != nil {
			return false, err
		}
		someConnected = someConnected || session.IsConnected()
	}

	if err := h.runStep(); err != nil {
		return false, err
	}

	return someConnected, nil
}

// handleClient exchanges messages with one session until it cannot act
// anymore, i.e. it requested a step or a close within the message being
// drained. Each forwarded command gets its engine answer relayed back
// before the next one is read.
func (h *Hub) handleClient(session *Session) error {
	message := storage.New()
	answer := storage.New()

	for session.CanAct(h.currentTime) {
		message.Reset()
		if _, err := session.GetCommands(message, h.currentTime); err != nil {
			return err
		}

		if message.Size() > 0 {
			if err := h.engine.SendExact(message); err != nil {
				return err
			}

			answer.Reset()
			if err := h.engine.ReceiveExact(answer); err != nil {
				return err
			}
			session.PutAnswers(answer.Bytes())
		}
	}

	return nil
}

// runStep advances the engine by one step and fans the raw step answer out
// to every session. Each session gets its own copy of the answer bytes, so
// no read cursor is shared.
func (h *Hub) runStep() error {
	message := storage.New()
	message.WriteUnsignedByte(1 + 1 + 4)
	message.WriteUnsignedByte(protocol.CmdSimStep2)
	message.WriteInt(0)

	if err := h.engine.SendExact(message); err != nil {
		return err
	}

	answer := storage.New()
	if err := h.engine.ReceiveExact(answer); err != nil {
		return err
	}
	h.currentTime += h.stepLength

	success, description, err := protocol.VerifyStatusResponse(
		storage.FromBytes(answer.Bytes()), protocol.CmdSimStep2, h.config.SumoPort)
	if err != nil {
		return err
	}

	if !success {
		h.log.Warn("Error on simulation step", zap.String("description", description))
	}
	h.log.Debug("Simulation step complete",
		zap.Int("currentTime", h.currentTime),
		zap.Bool("success", success))

	for _, session := range h.sessions {
		session.HandleStepResult(h.currentTime, success, answer.Bytes())
	}

	return nil
}
