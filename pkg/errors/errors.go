package errors

import "fmt"

// ShortRead is returned by storage reads that run past the end of the
// buffer. Callers translate it into a Protocol error attributed to
// whichever peer produced the truncated bytes.
type ShortRead struct {
	Wanted    int
	Remaining int
}

func (e *ShortRead) Error() string {
	return fmt.Sprintf("Short read: wanted %d bytes, only %d remaining", e.Wanted, e.Remaining)
}

// Protocol describes a malformed frame, tagged with the peer that produced
// it. FromClient selects the process exit code: client faults exit 2,
// engine faults exit 1.
type Protocol struct {
	Reason     string
	Port       int
	FromClient bool
}

func (e *Protocol) Error() string {
	origin := "SUMO"
	if e.FromClient {
		origin = "client"
	}
	return fmt.Sprintf("%s (on %s through port %d)", e.Reason, origin, e.Port)
}
