package resolver

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var ns = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func TestResolvePriority(t *testing.T) {
	s := New(ns)

	_, id := Resolve(s, Candidates{Explicit: "e", LastConnected: "l", Persisted: "p"})
	require.Equal(t, "e", id)

	_, id = Resolve(s, Candidates{LastConnected: "l", Persisted: "p"})
	require.Equal(t, "l", id)

	_, id = Resolve(s, Candidates{Persisted: "p"})
	require.Equal(t, "p", id)

	next, id := Resolve(s, Candidates{})
	require.True(t, IsEphemeral(id))
	require.Equal(t, id, next.Current)
	require.Empty(t, ResumeTarget(id))
}

func TestMintIsDeterministicAndUnique(t *testing.T) {
	a1, id1 := Mint(New(ns))
	_, id2 := Mint(a1)
	_, again := Mint(New(ns))

	require.NotEqual(t, id1, id2)
	require.Equal(t, id1, again)
}

func TestInvalidatedIDNeverOfferedAgain(t *testing.T) {
	s := New(ns)
	s, id := Resolve(s, Candidates{Explicit: "bad-id"})
	require.Equal(t, "bad-id", id)

	s, fresh := Invalidate(s, "bad-id")
	require.True(t, IsEphemeral(fresh))
	require.Equal(t, fresh, s.Current)

	// Even if every source still names the dead id, it is not used.
	s, id = Resolve(s, Candidates{Explicit: "bad-id", LastConnected: "bad-id", Persisted: "bad-id"})
	require.NotEqual(t, "bad-id", id)
	require.True(t, IsEphemeral(id))

	_, id = Resolve(s, Candidates{Explicit: "bad-id", Persisted: "good"})
	require.Equal(t, "good", id)
}

func TestResumeTarget(t *testing.T) {
	require.Equal(t, "s1", ResumeTarget("s1"))
	require.Empty(t, ResumeTarget(EphemeralPrefix+"x"))
	require.Empty(t, ResumeTarget(""))
}
