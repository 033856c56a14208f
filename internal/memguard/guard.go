// Package memguard hardens the process against secret extraction from
// outside the enclave boundary: core dumps are disabled, the platform
// ptrace posture is recorded, and every secret-bearing buffer is
// registered so it can be overwritten on shutdown. All of this is
// defence-in-depth; a probe failing never blocks request serving.
package memguard

import (
	"crypto/rand"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/equivault/enclave-worker/internal/telemetry"
)

const ptraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// Guard owns the registry of secret buffers and the results of the
// startup probes.
type Guard struct {
	mu      sync.Mutex
	secrets [][]byte

	coreDumpDisabled bool
	ptraceScope      int
	ptraceRestricted bool
	mlockAvailable   bool

	logger *telemetry.Logger
}

// New runs the probes once and returns the guard.
func New() *Guard {
	g := &Guard{
		ptraceScope: -1,
		logger:      telemetry.NewLogger("MEMGUARD"),
	}
	g.disableCoreDumps()
	g.readPtraceScope()
	g.probeMlock()
	g.logger.Info("memory guard initialized", map[string]interface{}{
		"core_dumps_disabled": g.coreDumpDisabled,
		"ptrace_scope":        g.ptraceScope,
		"ptrace_restricted":   g.ptraceRestricted,
		"mlock_available":     g.mlockAvailable,
	})
	return g
}

func (g *Guard) disableCoreDumps() {
	limit := unix.Rlimit{Cur: 0, Max: 0}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &limit); err != nil {
		g.logger.Warn("could not disable core dumps", map[string]interface{}{})
		return
	}
	g.coreDumpDisabled = true
}

func (g *Guard) readPtraceScope() {
	raw, err := os.ReadFile(ptraceScopePath)
	if err != nil {
		return
	}
	scope, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return
	}
	g.ptraceScope = scope
	g.ptraceRestricted = scope >= 2
}

func (g *Guard) probeMlock() {
	page := make([]byte, os.Getpagesize())
	if err := unix.Mlock(page); err != nil {
		return
	}
	_ = unix.Munlock(page)
	g.mlockAvailable = true
}

// Register adds a secret-bearing buffer to the wipe registry. The guard
// keeps the slice header, not a copy, so the wipe reaches the live bytes.
func (g *Guard) Register(secret []byte) {
	if len(secret) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.secrets = append(g.secrets, secret)
}

// Lock attempts to pin a buffer into resident memory so it never reaches
// swap. Best effort.
func (g *Guard) Lock(secret []byte) {
	if !g.mlockAvailable || len(secret) == 0 {
		return
	}
	_ = unix.Mlock(secret)
}

// Wipe overwrites a single buffer with random bytes and then zeros.
func Wipe(secret []byte) {
	if len(secret) == 0 {
		return
	}
	_, _ = rand.Read(secret)
	for i := range secret {
		secret[i] = 0
	}
}

// WipeAll scrubs every registered buffer and clears the master-key
// environment variable. Called from signal handlers and the exit path.
func (g *Guard) WipeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.secrets {
		Wipe(s)
	}
	g.secrets = nil
	os.Unsetenv("MASTER_KEY")
	g.logger.Info("secret buffers wiped", nil)
}

// Status reports the probe results for the ops surface.
func (g *Guard) Status() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]interface{}{
		"core_dumps_disabled": g.coreDumpDisabled,
		"ptrace_restricted":   g.ptraceRestricted,
		"mlock_available":     g.mlockAvailable,
		"registered_buffers":  len(g.secrets),
	}
}
