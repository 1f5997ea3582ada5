package audit

import (
	"sync"
	"time"
)

// Audit entry types.
const (
	KeyGenerated        = "KEY_GENERATED"
	KeyImport           = "KEY_IMPORT"
	KeyImportFailed     = "KEY_IMPORT_FAILED"
	KeyRotation         = "KEY_ROTATION"
	KeyRotationRejected = "KEY_ROTATION_REJECTED"
	DecryptFailed       = "DECRYPT_FAILED"
	PeerCompromised     = "PEER_COMPROMISED"
	PeerVerified        = "PEER_VERIFIED"
	VerifyFailed        = "VERIFY_FAILED"
)

// DisplayLimit is the number of entries shown in security reports.
const DisplayLimit = 20

// Entry is a single security-relevant event.
type Entry struct {
	Type   string            `json:"type"`
	Time   time.Time         `json:"timestamp"`
	PeerID string            `json:"peerId,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Log is an append-only audit trail. It is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewLog creates an empty audit log.
func NewLog() *Log {
	return &Log{}
}

// Append records an entry. A zero Time is left as is; callers stamp entries.
func (l *Log) Append(e Entry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Recent returns up to n of the newest entries, oldest first.
func (l *Log) Recent(n int) []Entry {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// ByType returns all entries of the given type, oldest first.
func (l *Log) ByType(typ string) []Entry {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the total number of entries ever appended.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
