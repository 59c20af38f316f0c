// Package resolver decides which session id to attach to.
package resolver

import (
	"strconv"
	"strings"

	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/google/uuid"
)

// EphemeralPrefix marks client-side placeholder ids. A placeholder means "the
// next message creates a session" and is never sent as a resume target.
const EphemeralPrefix = "new-session-"

// IsEphemeral reports whether id is a client placeholder.
func IsEphemeral(id string) bool {
	return strings.HasPrefix(id, EphemeralPrefix)
}

// ResumeTarget maps an id to what Start should carry: the id itself, or
// empty for placeholders.
func ResumeTarget(id string) string {
	if id == "" || IsEphemeral(id) {
		return ""
	}
	return id
}

// Candidates are the sources consulted by Resolve, highest priority first.
type Candidates struct {
	Explicit      string
	LastConnected string
	Persisted     string
}

// State is the resolver.
type State struct {
	// Namespace seeds placeholder ids so minting them stays deterministic.
	Namespace uuid.UUID
	minted    uint64

	// Current is the resolved id for the active session.
	Current string

	invalid []string
}

// New returns a resolver whose placeholders derive from namespace.
func New(namespace uuid.UUID) State {
	return State{Namespace: namespace}
}

// Resolve picks the first usable candidate or mints a placeholder. Ids that
// were invalidated are skipped.
func Resolve(s State, c Candidates) (State, string) {
	for _, id := range []string{c.Explicit, c.LastConnected, c.Persisted} {
		if id == "" {
			continue
		}
		if s.IsInvalid(id) {
			logger.Debugf("resolver: skipping invalidated session %s", id)
			continue
		}
		s.Current = id
		return s, id
	}
	s, id := Mint(s)
	s.Current = id
	return s, id
}

// Mint returns a new placeholder id.
func Mint(s State) (State, string) {
	s.minted++
	id := uuid.NewSHA1(s.Namespace, []byte(strconv.FormatUint(s.minted, 10)))
	return s, EphemeralPrefix + id.String()
}

// Invalidate records id as dead and makes a fresh placeholder current.
func Invalidate(s State, id string) (State, string) {
	if id != "" && !IsEphemeral(id) && !s.IsInvalid(id) {
		invalid := make([]string, len(s.invalid), len(s.invalid)+1)
		copy(invalid, s.invalid)
		s.invalid = append(invalid, id)
	}
	s, fresh := Mint(s)
	s.Current = fresh
	return s, fresh
}

// IsInvalid reports whether id was invalidated.
func (s State) IsInvalid(id string) bool {
	for _, bad := range s.invalid {
		if bad == id {
			return true
		}
	}
	return false
}
