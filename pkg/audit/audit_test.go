package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecentKeepsNewestInOrder(t *testing.T) {
	l := NewLog()
	for i := 0; i < 30; i++ {
		l.Append(Entry{Type: KeyImport, Time: time.Unix(int64(i), 0), PeerID: fmt.Sprintf("p%d", i)})
	}

	require.Equal(t, 30, l.Len(), "log is never pruned")

	recent := l.Recent(DisplayLimit)
	require.Len(t, recent, DisplayLimit)
	require.Equal(t, "p10", recent[0].PeerID)
	require.Equal(t, "p29", recent[DisplayLimit-1].PeerID)

	require.Len(t, l.Recent(0), 30)
	require.Len(t, l.Recent(100), 30)
}

func TestByType(t *testing.T) {
	l := NewLog()
	l.Append(Entry{Type: KeyRotation, PeerID: "a"})
	l.Append(Entry{Type: DecryptFailed, PeerID: "b"})
	l.Append(Entry{Type: KeyRotation, PeerID: "c"})

	rot := l.ByType(KeyRotation)
	require.Len(t, rot, 2)
	require.Equal(t, "a", rot[0].PeerID)
	require.Equal(t, "c", rot[1].PeerID)
}

func TestNilLogIsNoop(t *testing.T) {
	var l *Log
	l.Append(Entry{Type: KeyImport})
	require.Zero(t, l.Len())
	require.Empty(t, l.Recent(5))
}
