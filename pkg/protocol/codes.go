package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMissingField      = errors.New("missing required field")
)

// EnvelopeVersion is written into every invitation and session envelope.
const EnvelopeVersion = "2.0"

// Chat types carried by invitations and session envelopes.
const (
	ChatGroup   = "group"
	ChatPrivate = "private"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1024,
		MaxMapPairs:      64,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder: %v", err))
	}
}

// Invitation invites a guest into a chat. Code optionally embeds a host
// bootstrap offer so the guest can join in one step.
type Invitation struct {
	ChatID      string `cbor:"chatId" json:"chatId"`
	ChatType    string `cbor:"chatType" json:"chatType"`
	ChatName    string `cbor:"chatName,omitempty" json:"chatName,omitempty"`
	CreatorID   string `cbor:"creatorId" json:"creatorId"`
	CreatorName string `cbor:"creatorName,omitempty" json:"creatorName,omitempty"`
	Timestamp   int64  `cbor:"timestamp" json:"timestamp"`
	Version     string `cbor:"version" json:"version"`
	Code        string `cbor:"networkOffer,omitempty" json:"networkOffer,omitempty"`
}

// NewInvitation fills in version and timestamp for a chat invitation.
func NewInvitation(chatID, chatType, chatName, creatorID, creatorName string, now time.Time) Invitation {
	if chatID == "" {
		chatID = uuid.NewString()
	}
	return Invitation{
		ChatID:      chatID,
		ChatType:    chatType,
		ChatName:    chatName,
		CreatorID:   creatorID,
		CreatorName: creatorName,
		Timestamp:   now.UnixMilli(),
		Version:     EnvelopeVersion,
	}
}

// HasCode reports whether the invitation embeds a bootstrap code.
func (inv Invitation) HasCode() bool { return inv.Code != "" }

func (inv Invitation) validate() error {
	switch {
	case inv.ChatID == "":
		return fmt.Errorf("%w: chatId", ErrMissingField)
	case inv.ChatType == "":
		return fmt.Errorf("%w: chatType", ErrMissingField)
	case inv.CreatorID == "":
		return fmt.Errorf("%w: creatorId", ErrMissingField)
	}
	return nil
}

// SessionEnvelope announces a hosted session and its protocol.
type SessionEnvelope struct {
	SessionID   string `cbor:"sessionId" json:"sessionId"`
	Protocol    string `cbor:"protocol" json:"protocol"`
	CreatorID   string `cbor:"creatorId" json:"creatorId"`
	CreatorName string `cbor:"creatorName,omitempty" json:"creatorName,omitempty"`
	Timestamp   int64  `cbor:"timestamp" json:"timestamp"`
	Version     string `cbor:"version" json:"version"`
}

// NewSessionEnvelope creates an envelope with a fresh session id.
func NewSessionEnvelope(protocol, creatorID, creatorName string, now time.Time) SessionEnvelope {
	return SessionEnvelope{
		SessionID:   uuid.NewString(),
		Protocol:    protocol,
		CreatorID:   creatorID,
		CreatorName: creatorName,
		Timestamp:   now.UnixMilli(),
		Version:     EnvelopeVersion,
	}
}

func (s SessionEnvelope) validate() error {
	switch {
	case s.SessionID == "":
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	case s.Protocol == "":
		return fmt.Errorf("%w: protocol", ErrMissingField)
	case s.CreatorID == "":
		return fmt.Errorf("%w: creatorId", ErrMissingField)
	}
	return nil
}

// EncodeInvitation returns the text-safe form of inv.
func EncodeInvitation(inv Invitation) (string, error) {
	if err := inv.validate(); err != nil {
		return "", err
	}
	return encodeEnvelope(inv)
}

// DecodeInvitation parses an invitation code.
func DecodeInvitation(code string) (Invitation, error) {
	var inv Invitation
	if err := decodeEnvelope(code, &inv); err != nil {
		return Invitation{}, err
	}
	if err := inv.validate(); err != nil {
		return Invitation{}, err
	}
	return inv, nil
}

// EncodeSession returns the text-safe form of s.
func EncodeSession(s SessionEnvelope) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	return encodeEnvelope(s)
}

// DecodeSession parses a session envelope code.
func DecodeSession(code string) (SessionEnvelope, error) {
	var s SessionEnvelope
	if err := decodeEnvelope(code, &s); err != nil {
		return SessionEnvelope{}, err
	}
	if err := s.validate(); err != nil {
		return SessionEnvelope{}, err
	}
	return s, nil
}

func encodeEnvelope(v any) (string, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeEnvelope(code string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(code), "="))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}
