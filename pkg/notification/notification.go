package notification

import (
	"context"
	"errors"
	"strings"
)

// ErrNotConfigured is returned by a channel that lacks the settings it needs.
var ErrNotConfigured = errors.New("notification channel not configured")

// Message is one rendered notification. Channels pick the parts they can
// carry: SMS drops Body to fit, chat webhooks also post Fields.
type Message struct {
	Subject  string
	Body     string
	Short    string // single line for SMS, falls back to Subject
	Severity string
	Emails   []string // recipients in addition to the channel's own list
	Phones   []string
	Fields   map[string]string
}

// Channel delivers messages to rescuers or contacts.
type Channel interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// merge joins two recipient lists, dropping blanks and duplicates.
func merge(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			k := strings.ToLower(s)
			if s == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}
