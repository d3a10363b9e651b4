package ports

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/zedinhost/arkd/pkg/log"
	"github.com/zedinhost/arkd/pkg/types"
)

const (
	// gamePortStep leaves room for the derived query port next to each game
	// port.
	gamePortStep = 2

	maxGamePortAttempts    = 100
	maxQueryPortOffset     = 19
	maxConsolePortAttempts = 50
)

// ClaimedPorts is the durable view of ports already assigned to instances.
// Implemented by the instance store; re-derived on every allocation instead
// of cached so no extra lock is needed.
type ClaimedPorts interface {
	ClaimedPorts() ([]int, error)
}

// Allocator assigns non-conflicting game, query and console ports. A port is
// usable only if it is neither recorded for a known instance nor currently
// bindable-blocked at the OS level; both checks must pass.
type Allocator struct {
	claims      ClaimedPorts
	gameBase    int
	consoleBase int
	logger      zerolog.Logger

	// bindable is swapped out in tests.
	bindable func(port int) bool
}

// NewAllocator creates an allocator starting game ports at gameBase and
// console ports at consoleBase.
func NewAllocator(claims ClaimedPorts, gameBase, consoleBase int) *Allocator {
	return &Allocator{
		claims:      claims,
		gameBase:    gameBase,
		consoleBase: consoleBase,
		logger:      log.WithComponent("ports"),
		bindable:    portBindable,
	}
}

// NewAllocatorWithProbe is NewAllocator with the OS bindability probe
// replaced, for callers that gate binding themselves.
func NewAllocatorWithProbe(claims ClaimedPorts, gameBase, consoleBase int, probe func(port int) bool) *Allocator {
	a := NewAllocator(claims, gameBase, consoleBase)
	a.bindable = probe
	return a
}

// Fill assigns any port the descriptor is missing. Assigned ports are
// mutually distinct; persisting the descriptor afterwards is the caller's
// job.
func (a *Allocator) Fill(desc *types.InstanceDescriptor) error {
	if err := validateDistinct(desc); err != nil {
		return err
	}

	claimed, err := a.claimedSet()
	if err != nil {
		return err
	}

	if desc.Port == 0 {
		port, err := a.gamePort(claimed, a.gameBase)
		if err != nil {
			return err
		}
		desc.Port = port
		claimed[port] = true
	}

	if desc.QueryPort == 0 {
		port, err := a.queryPort(claimed, desc.Port)
		if err != nil {
			return err
		}
		desc.QueryPort = port
		claimed[port] = true
	}

	if desc.ConsolePort == 0 {
		port, err := a.consolePort(claimed, desc.QueryPort)
		if err != nil {
			return err
		}
		desc.ConsolePort = port
	}

	a.logger.Info().
		Int64("instance_id", desc.ID).
		Int("port", desc.Port).
		Int("query_port", desc.QueryPort).
		Int("console_port", desc.ConsolePort).
		Msg("ports assigned")
	return nil
}

// validateDistinct rejects descriptors whose pre-set ports collide with each
// other. The game, query and console ports must be mutually distinct.
func validateDistinct(desc *types.InstanceDescriptor) error {
	seen := make(map[int]string, 3)
	for _, p := range []struct {
		name string
		port int
	}{
		{"game", desc.Port},
		{"query", desc.QueryPort},
		{"console", desc.ConsolePort},
	} {
		if p.port == 0 {
			continue
		}
		if other, ok := seen[p.port]; ok {
			return fmt.Errorf("%s port %d conflicts with the %s port", p.name, p.port, other)
		}
		seen[p.port] = p.name
	}
	return nil
}

// AllocateGamePort finds a free game port at or above preferredStart
// (falling back to the configured base when zero).
func (a *Allocator) AllocateGamePort(preferredStart int) (int, error) {
	claimed, err := a.claimedSet()
	if err != nil {
		return 0, err
	}
	if preferredStart == 0 {
		preferredStart = a.gameBase
	}
	return a.gamePort(claimed, preferredStart)
}

func (a *Allocator) claimedSet() (map[int]bool, error) {
	ports, err := a.claims.ClaimedPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list claimed ports: %w", err)
	}
	set := make(map[int]bool, len(ports))
	for _, p := range ports {
		set[p] = true
	}
	return set, nil
}

func (a *Allocator) gamePort(claimed map[int]bool, start int) (int, error) {
	if start < a.gameBase {
		start = a.gameBase
	}
	for i := 0; i < maxGamePortAttempts; i++ {
		port := start + i*gamePortStep
		if claimed[port] || !a.bindable(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free game port in %d attempts from %d", maxGamePortAttempts, start)
}

func (a *Allocator) queryPort(claimed map[int]bool, gamePort int) (int, error) {
	// Default slot is gamePort+2; fall back to a short probe window above it.
	for offset := 2; offset <= maxQueryPortOffset; offset++ {
		port := gamePort + offset
		if claimed[port] || !a.bindable(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free query port near game port %d", gamePort)
}

func (a *Allocator) consolePort(claimed map[int]bool, queryPort int) (int, error) {
	for offset := 0; offset < maxConsolePortAttempts; offset++ {
		port := a.consoleBase + offset
		if port == queryPort || claimed[port] || !a.bindable(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free console port in %d attempts from %d", maxConsolePortAttempts, a.consoleBase)
}

// portBindable reports whether the port can be bound right now on both TCP
// and UDP. The game traffic is UDP while query and console are TCP, so a
// usable port must be free on both.
func portBindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()

	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	pc.Close()

	return true
}
