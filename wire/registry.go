package wire

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// registry tracks the live sessions of a server keyed by their process ID.
// Cancel request connections consult the registry to interrupt the in-flight
// operation of another session. The registry is written only at session
// creation and teardown.
type registry struct {
	mu       sync.Mutex
	sessions map[int32]*Session
	next     int32
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[int32]*Session),
	}
}

// Register assigns a fresh (processID, secretKey) pair to the given session
// and tracks it as live.
func (reg *registry) Register(session *Session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.next++
	session.processID = reg.next
	session.secretKey = randomKey()
	reg.sessions[session.processID] = session
}

// Deregister removes the session from the live session table.
func (reg *registry) Deregister(session *Session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	delete(reg.sessions, session.processID)
}

// Cancel interrupts the in-flight backend operation of the session matching
// the given key pair. Mismatched or unknown keys are ignored without
// response, matching PostgreSQL behavior.
func (reg *registry) Cancel(processID, secretKey int32) {
	reg.mu.Lock()
	session, has := reg.sessions[processID]
	reg.mu.Unlock()

	if !has || session.secretKey != secretKey {
		return
	}

	session.interrupt()
}

// Each invokes the given function for every live session.
func (reg *registry) Each(fn func(session *Session)) {
	reg.mu.Lock()
	sessions := make([]*Session, 0, len(reg.sessions))
	for _, session := range reg.sessions {
		sessions = append(sessions, session)
	}
	reg.mu.Unlock()

	for _, session := range sessions {
		fn(session)
	}
}

// randomKey generates the secret half of a cancellation key.
func randomKey() int32 {
	var raw [4]byte
	_, err := rand.Read(raw[:])
	if err != nil {
		// The secret only guards best-effort cancellation; a zero key
		// still functions when the random source is unavailable.
		return 0
	}

	return int32(binary.BigEndian.Uint32(raw[:]))
}
