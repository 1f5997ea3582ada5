package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownLink = errors.New("unrecognised link")

// LinkTag names the envelope kind carried in a link fragment.
type LinkTag string

const (
	TagInit    LinkTag = "init"
	TagInvite  LinkTag = "invite"
	TagSession LinkTag = "session"
	TagAnswer  LinkTag = "answer"
)

// tagAliases lists older fragment names still accepted on input.
var tagAliases = map[string]LinkTag{
	"lunch": TagSession,
}

func parseTag(s string) (LinkTag, bool) {
	switch t := LinkTag(s); t {
	case TagInit, TagInvite, TagSession, TagAnswer:
		return t, true
	}
	t, ok := tagAliases[s]
	return t, ok
}

// BuildLink appends a "#tag=payload" fragment to base.
func BuildLink(base string, tag LinkTag, payload string) string {
	return fmt.Sprintf("%s#%s=%s", StripFragment(base), tag, payload)
}

// ParseLink extracts the tag and payload from a link or a bare fragment.
func ParseLink(raw string) (LinkTag, string, error) {
	raw = strings.TrimSpace(raw)
	_, frag, ok := strings.Cut(raw, "#")
	if !ok {
		return "", "", fmt.Errorf("%w: no fragment", ErrUnknownLink)
	}
	name, payload, ok := strings.Cut(frag, "=")
	if !ok {
		return "", "", fmt.Errorf("%w: fragment %q has no payload", ErrUnknownLink, frag)
	}
	tag, known := parseTag(name)
	if !known {
		return "", "", fmt.Errorf("%w: tag %q", ErrUnknownLink, name)
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", "", fmt.Errorf("%w: empty %s payload", ErrUnknownLink, tag)
	}
	return tag, payload, nil
}

// StripFragment drops the fragment so a consumed link is not acted on twice.
func StripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}
