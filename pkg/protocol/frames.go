package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/baderanaas/HushLink/pkg/crypto"
)

var (
	ErrUnknownKind    = errors.New("unknown frame kind")
	ErrMalformedFrame = errors.New("malformed frame")
)

// GroupTarget is the target of messages addressed to the whole group.
const GroupTarget = "group"

// Kind discriminates wire frames.
type Kind int

const (
	KindHi Kind = iota + 1
	KindWelcome
	KindUserJoin
	KindNameUpdate
	KindGroupMessage
	KindPrivateMessage
	KindEncryptedChat
	KindChat
	KindVerifyChallenge
	KindVerifyResponse
)

var kindNames = map[Kind]string{
	KindHi:              "HI",
	KindWelcome:         "WELCOME",
	KindUserJoin:        "USER_JOIN",
	KindNameUpdate:      "NAME_UPDATE",
	KindGroupMessage:    "GROUP_MESSAGE",
	KindPrivateMessage:  "PRIVATE_MESSAGE",
	KindEncryptedChat:   "ENCRYPTED_CHAT",
	KindChat:            "CHAT",
	KindVerifyChallenge: "VERIFY_CHALLENGE",
	KindVerifyResponse:  "VERIFY_RESPONSE",
}

var kindAliases = map[string]Kind{
	"ENCRYPT_CHAT": KindEncryptedChat,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a wire type name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	if k, ok := kindAliases[s]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Frame is one wire message. The set of implementations is closed.
type Frame interface {
	Kind() Kind
	validate() error
}

// PeerRef names a peer inside a roster or join announcement.
type PeerRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PublicKey []byte `json:"publicKey,omitempty"`
}

// Hi is sent once by a guest when its conn to the host opens.
type Hi struct {
	Name      string `json:"name"`
	PublicKey []byte `json:"publicKey,omitempty"`
}

// Welcome assigns the guest its id and lists the peers already present.
type Welcome struct {
	AssignedID string    `json:"id"`
	HostID     string    `json:"hostId,omitempty"`
	HostName   string    `json:"hostName,omitempty"`
	Peers      []PeerRef `json:"peers"`
}

// UserJoin announces a new peer to everyone else.
type UserJoin struct {
	User PeerRef `json:"user"`
}

// NameUpdate carries a peer's display name and optionally its key.
type NameUpdate struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	PublicKey []byte `json:"publicKey,omitempty"`
}

// GroupMessage is a plaintext message to the whole group. Group names a
// custom group; empty means the general group.
type GroupMessage struct {
	From      string    `json:"from"`
	FromName  string    `json:"fromName"`
	Group     string    `json:"group,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PrivateMessage is addressed to one peer. Exactly one of Content and
// Payload is meaningful: Payload set means the message is encrypted.
type PrivateMessage struct {
	From      string         `json:"from"`
	FromName  string         `json:"fromName"`
	Target    string         `json:"target"`
	Content   string         `json:"content,omitempty"`
	Payload   *crypto.Bundle `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Encrypted reports whether the message carries a ciphertext payload.
func (m *PrivateMessage) Encrypted() bool {
	return m.Payload != nil
}

// EncryptedChat is an encrypted message for any chat context. Group
// messages are encrypted per recipient and To names the recipient.
type EncryptedChat struct {
	From      string        `json:"from"`
	FromName  string        `json:"fromName,omitempty"`
	Target    string        `json:"target"`
	To        string        `json:"to,omitempty"`
	Payload   crypto.Bundle `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
}

// Recipient is the peer able to decrypt the payload.
func (m *EncryptedChat) Recipient() string {
	if m.To != "" {
		return m.To
	}
	return m.Target
}

// Chat is the legacy plaintext message for any target.
type Chat struct {
	From      string    `json:"from"`
	FromName  string    `json:"fromName"`
	Target    string    `json:"target"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// VerifyChallenge asks Target to sign Nonce with its signing key.
type VerifyChallenge struct {
	From   string `json:"from"`
	Target string `json:"target"`
	Nonce  string `json:"nonce"`
}

// VerifyResponse answers a VerifyChallenge.
type VerifyResponse struct {
	From      string `json:"from"`
	Target    string `json:"target"`
	Nonce     string `json:"nonce"`
	Signature []byte `json:"signature"`
}

func (*Hi) Kind() Kind              { return KindHi }
func (*Welcome) Kind() Kind         { return KindWelcome }
func (*UserJoin) Kind() Kind        { return KindUserJoin }
func (*NameUpdate) Kind() Kind      { return KindNameUpdate }
func (*GroupMessage) Kind() Kind    { return KindGroupMessage }
func (*PrivateMessage) Kind() Kind  { return KindPrivateMessage }
func (*EncryptedChat) Kind() Kind   { return KindEncryptedChat }
func (*Chat) Kind() Kind            { return KindChat }
func (*VerifyChallenge) Kind() Kind { return KindVerifyChallenge }
func (*VerifyResponse) Kind() Kind  { return KindVerifyResponse }

func missing(k Kind, field string) error {
	return fmt.Errorf("%w: %s without %s", ErrMalformedFrame, k, field)
}

func (f *Hi) validate() error { return nil }

func (f *Welcome) validate() error {
	if f.AssignedID == "" {
		return missing(KindWelcome, "id")
	}
	return nil
}

func (f *UserJoin) validate() error {
	if f.User.ID == "" {
		return missing(KindUserJoin, "user.id")
	}
	return nil
}

func (f *NameUpdate) validate() error { return nil }

func (f *GroupMessage) validate() error { return nil }

func (f *PrivateMessage) validate() error {
	if f.Target == "" {
		return missing(KindPrivateMessage, "target")
	}
	return nil
}

func (f *EncryptedChat) validate() error {
	if f.Target == "" {
		return missing(KindEncryptedChat, "target")
	}
	if f.Payload.Empty() {
		return missing(KindEncryptedChat, "payload")
	}
	return nil
}

func (f *Chat) validate() error {
	if f.Target == "" {
		return missing(KindChat, "target")
	}
	return nil
}

func (f *VerifyChallenge) validate() error {
	if f.Target == "" || f.Nonce == "" {
		return missing(KindVerifyChallenge, "target or nonce")
	}
	return nil
}

func (f *VerifyResponse) validate() error {
	if f.Target == "" || len(f.Signature) == 0 {
		return missing(KindVerifyResponse, "target or signature")
	}
	return nil
}

func newFrame(k Kind) Frame {
	switch k {
	case KindHi:
		return &Hi{}
	case KindWelcome:
		return &Welcome{}
	case KindUserJoin:
		return &UserJoin{}
	case KindNameUpdate:
		return &NameUpdate{}
	case KindGroupMessage:
		return &GroupMessage{}
	case KindPrivateMessage:
		return &PrivateMessage{}
	case KindEncryptedChat:
		return &EncryptedChat{}
	case KindChat:
		return &Chat{}
	case KindVerifyChallenge:
		return &VerifyChallenge{}
	case KindVerifyResponse:
		return &VerifyResponse{}
	default:
		return nil
	}
}

type header struct {
	Type string `json:"type"`
}

// Encode serialises f as a JSON object with a "type" discriminator.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", f.Kind(), err)
	}
	head, err := json.Marshal(header{Type: f.Kind().String()})
	if err != nil {
		return nil, err
	}
	if bytes.Equal(body, []byte("{}")) {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses a frame. Unknown kinds yield ErrUnknownKind; anything that
// is not a well-formed frame yields ErrMalformedFrame.
func Decode(data []byte) (Frame, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	k, err := ParseKind(h.Type)
	if err != nil {
		return nil, err
	}
	f := newFrame(k)
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, k, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}
