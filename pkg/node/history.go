package node

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/baderanaas/HushLink/pkg/router"
	"go.uber.org/zap"
)

const historyDirName = "logs"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// History appends chat messages to one JSON lines file per chat.
type History struct {
	dir string
	mu  sync.Mutex
}

type historyEntry struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	FromName  string    `json:"fromName,omitempty"`
	Content   string    `json:"content"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Encrypted bool      `json:"encrypted,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
	Kind      string    `json:"kind"`
}

// NewHistory creates the history directory if needed.
func NewHistory(dir string) (*History, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &History{dir: dir}, nil
}

func (h *History) path(ref router.ChatRef) string {
	name := fmt.Sprintf("%s-%s.jsonl", ref.Type, unsafeChars.ReplaceAllString(ref.ID, "_"))
	return filepath.Join(h.dir, name)
}

// Record appends m to the chat's log file.
func (h *History) Record(ref router.ChatRef, m router.Message) error {
	line, err := json.Marshal(historyEntry{
		ID:        m.ID,
		From:      m.From,
		FromName:  m.FromName,
		Content:   m.Content,
		Target:    m.Target,
		Timestamp: m.Timestamp,
		Encrypted: m.Encrypted,
		Failed:    m.Failed,
		Kind:      string(m.Kind),
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.path(ref), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Recent loads the last count messages of a chat. A chat without history
// yields no messages and no error.
func (h *History) Recent(ref router.ChatRef, count int) ([]router.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []router.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var e historyEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, router.Message{
			ID:        e.ID,
			From:      e.From,
			FromName:  e.FromName,
			Content:   e.Content,
			Target:    e.Target,
			Timestamp: e.Timestamp,
			Encrypted: e.Encrypted,
			Failed:    e.Failed,
			Kind:      router.MessageKind(e.Kind),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return out, nil
}

func (h *History) watch(logger *zap.Logger) func(router.ChatRef, router.Message) {
	return func(ref router.ChatRef, m router.Message) {
		if err := h.Record(ref, m); err != nil {
			logger.Warn("failed to record history", zap.String("chat", ref.ID), zap.Error(err))
		}
	}
}

// History returns the last count persisted messages of a chat, or nil when
// history is disabled.
func (n *Node) History(id string, count int) ([]router.Message, error) {
	if n.history == nil {
		return nil, nil
	}
	ref := router.ChatRef{Type: router.ChatGroup, ID: id}
	if _, ok := n.store.Group(id); !ok {
		ref.Type = router.ChatPrivate
	}
	return n.history.Recent(ref, count)
}
