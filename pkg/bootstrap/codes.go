package bootstrap

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/baderanaas/HushLink/pkg/protocol"
	"github.com/baderanaas/HushLink/pkg/transport"
)

var (
	ErrMalformedCode  = fmt.Errorf("bootstrap: %w", transport.ErrMalformedCode)
	ErrUnknownGateway = errors.New("unknown gateway")
	ErrGatewayUsed    = errors.New("gateway already used")
	ErrNoCode         = errors.New("invitation carries no connection code")
)

const (
	roleOffer  = "offer"
	roleAnswer = "answer"
)

// codeEnvelope wraps a negotiator code with the gateway it belongs to.
type codeEnvelope struct {
	Gateway string `json:"g,omitempty"`
	Role    string `json:"r"`
	Payload string `json:"c"`
}

func wrapCode(gateway, role, payload string) (string, error) {
	raw, err := json.Marshal(codeEnvelope{Gateway: gateway, Role: role, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("failed to wrap code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func unwrapCode(code string) (codeEnvelope, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return codeEnvelope{}, fmt.Errorf("%w: empty code", ErrMalformedCode)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(code, "="))
	if err != nil {
		return codeEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedCode, err)
	}
	var env codeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return codeEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedCode, err)
	}
	if env.Payload == "" || (env.Role != roleOffer && env.Role != roleAnswer) {
		return codeEnvelope{}, fmt.Errorf("%w: incomplete envelope", ErrMalformedCode)
	}
	return env, nil
}

// IntentKind classifies what a pasted link or code asks for.
type IntentKind int

const (
	IntentOffer IntentKind = iota + 1
	IntentAnswer
	IntentInvite
	IntentSession
)

func (k IntentKind) String() string {
	switch k {
	case IntentOffer:
		return "offer"
	case IntentAnswer:
		return "answer"
	case IntentInvite:
		return "invite"
	case IntentSession:
		return "session"
	default:
		return "unknown"
	}
}

// Intent is a parsed link. Code holds the bootstrap code when there is one.
type Intent struct {
	Kind       IntentKind
	Code       string
	Invitation *protocol.Invitation
	Session    *protocol.SessionEnvelope
}

// Joinable reports whether the intent carries an offer a guest can answer.
func (i Intent) Joinable() bool {
	return (i.Kind == IntentOffer || i.Kind == IntentInvite) && i.Code != ""
}

// ParseIntent classifies a link or a bare code. Invitations without an
// embedded code parse fine and yield an intent with an empty Code.
func ParseIntent(raw string) (Intent, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "#") {
		env, err := unwrapCode(raw)
		if err != nil {
			return Intent{}, err
		}
		if env.Role == roleAnswer {
			return Intent{Kind: IntentAnswer, Code: raw}, nil
		}
		return Intent{Kind: IntentOffer, Code: raw}, nil
	}

	tag, payload, err := protocol.ParseLink(raw)
	if err != nil {
		return Intent{}, err
	}
	switch tag {
	case protocol.TagInit:
		if _, err := unwrapCode(payload); err != nil {
			return Intent{}, err
		}
		return Intent{Kind: IntentOffer, Code: payload}, nil
	case protocol.TagAnswer:
		if _, err := unwrapCode(payload); err != nil {
			return Intent{}, err
		}
		return Intent{Kind: IntentAnswer, Code: payload}, nil
	case protocol.TagInvite:
		inv, err := protocol.DecodeInvitation(payload)
		if err != nil {
			return Intent{}, err
		}
		return Intent{Kind: IntentInvite, Code: inv.Code, Invitation: &inv}, nil
	case protocol.TagSession:
		s, err := protocol.DecodeSession(payload)
		if err != nil {
			return Intent{}, err
		}
		return Intent{Kind: IntentSession, Session: &s}, nil
	}
	return Intent{}, fmt.Errorf("%w: %s", protocol.ErrUnknownLink, tag)
}
