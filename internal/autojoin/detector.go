package autojoin

import (
	"errors"
	"regexp"
	"strings"
)

// LinkKind tells how a target is joined and resolved.
type LinkKind int

const (
	// LinkPublic is a public group addressed by its handle.
	LinkPublic LinkKind = iota
	// LinkInvite is a private invite hash.
	LinkInvite
)

// Link is a parsed Telegram group reference.
type Link struct {
	Kind  LinkKind
	Value string // handle without @, or invite hash without +
}

// String renders the canonical t.me form.
func (l Link) String() string {
	if l.Kind == LinkInvite {
		return "https://t.me/+" + l.Value
	}
	return "https://t.me/" + l.Value
}

var ErrBadLink = errors.New("not a telegram group link")

var (
	// Accepted shapes, anchored.
	urlPattern    = regexp.MustCompile(`^(?:https?://)?(?:t\.me|telegram\.me)/(\+|joinchat/)?([A-Za-z0-9_-]+)/?$`)
	handlePattern = regexp.MustCompile(`^@([A-Za-z0-9_]+)$`)
	hashPattern   = regexp.MustCompile(`^\+([A-Za-z0-9_-]+)$`)
	userPattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)

	// Loose pattern for pulling candidates out of free text.
	extractPattern = regexp.MustCompile(`(?:https?://)?(?:t\.me|telegram\.me)/[^\s]+|\+[A-Za-z0-9_-]+|@[A-Za-z0-9_]+`)
)

// ParseLink accepts https://t.me/name, t.me/+hash, t.me/joinchat/hash,
// @name and +hash.
func ParseLink(s string) (Link, error) {
	s = strings.TrimSpace(s)
	if m := urlPattern.FindStringSubmatch(s); m != nil {
		if m[1] != "" {
			return Link{Kind: LinkInvite, Value: m[2]}, nil
		}
		if !userPattern.MatchString(m[2]) {
			return Link{}, ErrBadLink
		}
		return Link{Kind: LinkPublic, Value: m[2]}, nil
	}
	if m := handlePattern.FindStringSubmatch(s); m != nil && userPattern.MatchString(m[1]) {
		return Link{Kind: LinkPublic, Value: m[1]}, nil
	}
	if m := hashPattern.FindStringSubmatch(s); m != nil {
		return Link{Kind: LinkInvite, Value: m[1]}, nil
	}
	return Link{}, ErrBadLink
}

// ValidateLink reports whether s is a link ParseLink understands.
func ValidateLink(s string) bool {
	_, err := ParseLink(s)
	return err == nil
}

// NormalizeLink returns the canonical form of s, or s unchanged when it
// does not parse.
func NormalizeLink(s string) string {
	l, err := ParseLink(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return l.String()
}

// ExtractLinks pulls every valid group link out of text, in canonical form,
// without duplicates.
func ExtractLinks(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, raw := range extractPattern.FindAllString(text, -1) {
		raw = strings.TrimRight(raw, ".,;:!?)]}\"'")
		l, err := ParseLink(raw)
		if err != nil {
			continue
		}
		key := l.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// HasGroupLink reports whether text carries at least one group link.
func HasGroupLink(text string) bool {
	return len(ExtractLinks(text)) > 0
}
