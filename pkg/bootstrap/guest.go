package bootstrap

import (
	"context"
	"fmt"

	"github.com/baderanaas/HushLink/pkg/protocol"
	"github.com/baderanaas/HushLink/pkg/transport"
	"go.uber.org/zap"
)

// Answer is the guest's reply to an offer.
type Answer struct {
	Code      string
	Link      string
	GatewayID string
	Conn      transport.Conn
}

// Guest answers host offers.
type Guest struct {
	neg     transport.Negotiator
	ev      transport.Events
	baseURL string
	logger  *zap.Logger
}

// NewGuest creates a guest side bootstrapper.
func NewGuest(neg transport.Negotiator, ev transport.Events, opts ...Option) *Guest {
	o := buildOptions(opts)
	return &Guest{neg: neg, ev: ev, baseURL: o.baseURL, logger: o.logger.Named("bootstrap")}
}

// Join answers an offer given as a bare code, an init link or an invitation
// link with an embedded code. The conn opens once the host applies the
// returned answer.
func (g *Guest) Join(ctx context.Context, codeOrLink string) (Answer, error) {
	intent, err := ParseIntent(codeOrLink)
	if err != nil {
		return Answer{}, err
	}
	if intent.Kind == IntentInvite && intent.Code == "" {
		return Answer{}, ErrNoCode
	}
	if !intent.Joinable() {
		return Answer{}, fmt.Errorf("%w: %s is not an offer", ErrMalformedCode, intent.Kind)
	}
	env, err := unwrapCode(intent.Code)
	if err != nil {
		return Answer{}, err
	}
	if env.Role != roleOffer {
		return Answer{}, fmt.Errorf("%w: expected an offer code", ErrMalformedCode)
	}

	link, err := g.neg.Answer(ctx, env.Payload, g.ev)
	if err != nil {
		return Answer{}, fmt.Errorf("failed to answer offer: %w", err)
	}
	code, err := wrapCode(env.Gateway, roleAnswer, link.LocalCode())
	if err != nil {
		_ = link.Close()
		return Answer{}, err
	}
	g.logger.Info("answer created", zap.String("gateway", env.Gateway))
	return Answer{
		Code:      code,
		Link:      protocol.BuildLink(g.baseURL, protocol.TagAnswer, code),
		GatewayID: env.Gateway,
		Conn:      link,
	}, nil
}
