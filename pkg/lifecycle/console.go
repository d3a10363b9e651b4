package lifecycle

import (
	"time"

	"github.com/zedinhost/arkd/pkg/rcon"
)

// Console is the best-effort remote console surface. Every method may fail
// without consequence for the calling operation; Available gates whether the
// graceful path is attempted at all.
type Console interface {
	Available(addr, password string) bool
	SaveWorld(addr, password string) error
	Shutdown(addr, password string) error
	Broadcast(addr, password, msg string) error
}

// rconConsole dials a fresh RCON session per command. Game servers drop idle
// console connections, so holding one open across operations buys nothing.
type rconConsole struct {
	timeout time.Duration
}

func (c rconConsole) Available(addr, password string) bool {
	return rcon.Available(addr, password, c.timeout)
}

func (c rconConsole) SaveWorld(addr, password string) error {
	return c.run(addr, password, func(s *rcon.Session) error { return s.SaveWorld() })
}

func (c rconConsole) Shutdown(addr, password string) error {
	return c.run(addr, password, func(s *rcon.Session) error { return s.Shutdown() })
}

func (c rconConsole) Broadcast(addr, password, msg string) error {
	return c.run(addr, password, func(s *rcon.Session) error { return s.Broadcast(msg) })
}

func (c rconConsole) run(addr, password string, fn func(*rcon.Session) error) error {
	session, err := rcon.Dial(addr, password, c.timeout)
	if err != nil {
		return err
	}
	defer session.Close()
	return fn(session)
}
