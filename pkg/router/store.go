package router

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownChat = errors.New("unknown chat")

// GeneralID is the group every peer belongs to.
const GeneralID = "general"

// ChatType tells groups and private chats apart.
type ChatType string

const (
	ChatGroup   ChatType = "group"
	ChatPrivate ChatType = "private"
)

// ChatRef names one chat.
type ChatRef struct {
	Type ChatType
	ID   string
}

// General is the ref of the general group.
var General = ChatRef{Type: ChatGroup, ID: GeneralID}

// MessageKind classifies stored messages.
type MessageKind string

const (
	KindChat      MessageKind = "CHAT"
	KindGroup     MessageKind = "GROUP_MESSAGE"
	KindPrivate   MessageKind = "PRIVATE_MESSAGE"
	KindEncrypted MessageKind = "ENCRYPTED"
	KindSystem    MessageKind = "SYSTEM"
)

// DecryptFailedText replaces the content of a message that did not decrypt.
const DecryptFailedText = "[Decryption failed]"

// Message is one stored chat line. Messages are immutable once stored.
type Message struct {
	ID        string
	From      string
	FromName  string
	Content   string
	Target    string
	Timestamp time.Time
	Encrypted bool
	Failed    bool
	Kind      MessageKind
}

// Group is a snapshot of a group chat.
type Group struct {
	ID       string
	Name     string
	Members  []string
	Messages []Message
	Unread   int
}

// PrivateChat is a snapshot of a one-to-one chat.
type PrivateChat struct {
	ID       string
	Name     string
	Messages []Message
	Unread   int
}

// LastMessage returns the newest message of the chat.
func (c PrivateChat) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

type group struct {
	name     string
	members  map[string]struct{}
	messages []Message
	unread   int
}

type privateChat struct {
	name     string
	messages []Message
	unread   int
}

// Store holds the chats of this node. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	self     string
	groups   map[string]*group
	private  map[string]*privateChat
	active   ChatRef
	watchers []func(ChatRef, Message)
}

// NewStore creates a store holding only the general group.
func NewStore() *Store {
	return &Store{
		groups: map[string]*group{
			GeneralID: {name: "General", members: make(map[string]struct{})},
		},
		private: make(map[string]*privateChat),
		active:  General,
	}
}

// SetSelf tells the store which sender id is local, so own messages do not
// count as unread.
func (s *Store) SetSelf(id string) {
	s.mu.Lock()
	s.self = id
	s.mu.Unlock()
}

// Watch registers fn to be called for every stored message.
func (s *Store) Watch(fn func(ChatRef, Message)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// CreateGroup adds a custom group and returns its snapshot.
func (s *Store) CreateGroup(name string, members []string) Group {
	id := uuid.NewString()
	g := &group{name: name, members: make(map[string]struct{})}
	for _, m := range members {
		g.members[m] = struct{}{}
	}
	s.mu.Lock()
	s.groups[id] = g
	snap := g.snapshot(id)
	s.mu.Unlock()
	return snap
}

// EnsureGroup creates the group id if it does not exist yet.
func (s *Store) EnsureGroup(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; ok {
		return
	}
	if name == "" {
		name = id
	}
	s.groups[id] = &group{name: name, members: make(map[string]struct{})}
}

// AddMember adds peerID to a group. It reports false for unknown groups.
func (s *Store) AddMember(groupID, peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if ok {
		g.members[peerID] = struct{}{}
	}
	return ok
}

// RemoveMember drops peerID from every group.
func (s *Store) RemoveMember(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		delete(g.members, peerID)
	}
}

// Rename moves membership and private history from oldID to newID.
func (s *Store) Rename(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if _, ok := g.members[oldID]; ok {
			delete(g.members, oldID)
			g.members[newID] = struct{}{}
		}
	}
	if c, ok := s.private[oldID]; ok {
		if _, taken := s.private[newID]; !taken {
			s.private[newID] = c
		}
		delete(s.private, oldID)
	}
}

// Append stores m in the chat. Private chats are created on first use;
// unknown groups are rejected.
func (s *Store) Append(ref ChatRef, m Message) error {
	s.mu.Lock()
	fromOther := m.From != s.self && m.Kind != KindSystem
	unread := fromOther && ref != s.active
	switch ref.Type {
	case ChatGroup:
		g, ok := s.groups[ref.ID]
		if !ok {
			s.mu.Unlock()
			return ErrUnknownChat
		}
		g.messages = append(g.messages, m)
		if unread {
			g.unread++
		}
	case ChatPrivate:
		c, ok := s.private[ref.ID]
		if !ok {
			c = &privateChat{name: m.FromName}
			s.private[ref.ID] = c
		}
		if c.name == "" && fromOther {
			c.name = m.FromName
		}
		c.messages = append(c.messages, m)
		if unread {
			c.unread++
		}
	default:
		s.mu.Unlock()
		return ErrUnknownChat
	}
	watchers := slices.Clone(s.watchers)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(ref, m)
	}
	return nil
}

// OpenPrivate creates an empty private chat with peerID if none exists.
func (s *Store) OpenPrivate(peerID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.private[peerID]; ok {
		if name != "" {
			c.name = name
		}
		return
	}
	s.private[peerID] = &privateChat{name: name}
}

// SetPeerName renames an existing private chat.
func (s *Store) SetPeerName(peerID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.private[peerID]; ok && name != "" {
		c.name = name
	}
}

// AddSystemMessage appends a locally generated notice.
func (s *Store) AddSystemMessage(ref ChatRef, text string, now time.Time) error {
	return s.Append(ref, Message{
		ID:        uuid.NewString(),
		From:      "system",
		FromName:  "System",
		Content:   text,
		Target:    ref.ID,
		Timestamp: now,
		Kind:      KindSystem,
	})
}

// SetActive selects the chat being read and clears its unread count.
func (s *Store) SetActive(ref ChatRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.existsLocked(ref) {
		return ErrUnknownChat
	}
	s.active = ref
	s.clearLocked(ref)
	return nil
}

// Active returns the chat being read.
func (s *Store) Active() ChatRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// MarkRead clears the unread count of a chat.
func (s *Store) MarkRead(ref ChatRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.existsLocked(ref) {
		return ErrUnknownChat
	}
	s.clearLocked(ref)
	return nil
}

func (s *Store) existsLocked(ref ChatRef) bool {
	switch ref.Type {
	case ChatGroup:
		_, ok := s.groups[ref.ID]
		return ok
	case ChatPrivate:
		_, ok := s.private[ref.ID]
		return ok
	}
	return false
}

func (s *Store) clearLocked(ref ChatRef) {
	switch ref.Type {
	case ChatGroup:
		s.groups[ref.ID].unread = 0
	case ChatPrivate:
		s.private[ref.ID].unread = 0
	}
}

// Group returns a snapshot of one group.
func (s *Store) Group(id string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return Group{}, false
	}
	return g.snapshot(id), true
}

// Groups returns every group, general first, then by name.
func (s *Store) Groups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Group, 0, len(s.groups))
	for id, g := range s.groups {
		out = append(out, g.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].ID == GeneralID) != (out[j].ID == GeneralID) {
			return out[i].ID == GeneralID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// PrivateChat returns a snapshot of the chat with peerID.
func (s *Store) PrivateChat(peerID string) (PrivateChat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.private[peerID]
	if !ok {
		return PrivateChat{}, false
	}
	return c.snapshot(peerID), true
}

// PrivateChats returns every private chat ordered by peer id.
func (s *Store) PrivateChats() []PrivateChat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PrivateChat, 0, len(s.private))
	for id, c := range s.private {
		out = append(out, c.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *group) snapshot(id string) Group {
	members := make([]string, 0, len(g.members))
	for m := range g.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return Group{
		ID:       id,
		Name:     g.name,
		Members:  members,
		Messages: slices.Clone(g.messages),
		Unread:   g.unread,
	}
}

func (c *privateChat) snapshot(id string) PrivateChat {
	return PrivateChat{ID: id, Name: c.name, Messages: slices.Clone(c.messages), Unread: c.unread}
}
