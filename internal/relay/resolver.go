package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/blockedby/wa-relay/internal/logger"
)

// defaultMissRetry throttles directory lookups while the identifier does not resolve.
const defaultMissRetry = 30 * time.Second

// Resolver maps the configured source identifier to a live chat.
// The resolved chat is cached until Invalidate or an identifier change.
type Resolver struct {
	dir ChatDirectory
	log *logger.Logger

	mu         sync.Mutex
	identifier string
	resolved   *Chat
	lastMiss   time.Time
	missRetry  time.Duration
	now        func() time.Time
}

// NewResolver creates a resolver backed by dir.
func NewResolver(dir ChatDirectory, log *logger.Logger) *Resolver {
	return &Resolver{
		dir:       dir,
		log:       log,
		missRetry: defaultMissRetry,
		now:       time.Now,
	}
}

// Resolve returns the chat matching identifier. Priority: chat id, exact name,
// case-insensitive substring of the name.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (Chat, bool) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Chat{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.identifier != identifier {
		r.identifier = identifier
		r.resolved = nil
		r.lastMiss = time.Time{}
	}
	if r.resolved != nil {
		return *r.resolved, true
	}
	return r.lookupLocked(ctx, false)
}

// Refresh forces a directory lookup even after a recent miss.
func (r *Resolver) Refresh(ctx context.Context, identifier string) (Chat, bool) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Chat{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.identifier = identifier
	r.resolved = nil
	return r.lookupLocked(ctx, true)
}

// Matches reports whether msg belongs to the chat configured by identifier.
// An unresolved identifier never matches; the directory is consulted again
// on later events so a chat that appears afterwards starts matching.
func (r *Resolver) Matches(ctx context.Context, identifier string, msg InboundMessage) bool {
	chat, ok := r.Resolve(ctx, identifier)
	return ok && chat.ID == msg.ChatID
}

// Invalidate drops the cached chat. Called when the source transport reconnects.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = nil
	r.lastMiss = time.Time{}
}

// Cached returns the currently resolved chat without any lookup.
func (r *Resolver) Cached() (Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved == nil {
		return Chat{}, false
	}
	return *r.resolved, true
}

func (r *Resolver) lookupLocked(ctx context.Context, force bool) (Chat, bool) {
	if r.dir == nil {
		return Chat{}, false
	}
	if !force && !r.lastMiss.IsZero() && r.now().Sub(r.lastMiss) < r.missRetry {
		return Chat{}, false
	}

	var chats []Chat
	err := guard(r.log, "resolver.joined_chats", func() error {
		var err error
		chats, err = r.dir.JoinedChats(ctx)
		return err
	})

	chat, ok := MatchChat(chats, r.identifier)
	if !ok {
		chat, ok = r.findLocked(ctx)
	}
	if !ok {
		r.lastMiss = r.now()
		if err == nil {
			r.log.Debug().Str("identifier", r.identifier).Int("chats", len(chats)).Msg("resolver: no chat matches")
		}
		return Chat{}, false
	}

	r.resolved = &chat
	r.lastMiss = time.Time{}
	r.log.Info().Str("identifier", r.identifier).Str("chat_id", chat.ID).Str("chat_name", chat.Name).Msg("resolver: source chat resolved")
	return chat, true
}

// findLocked asks the directory for an unlisted chat by id.
func (r *Resolver) findLocked(ctx context.Context) (chat Chat, ok bool) {
	finder, isFinder := r.dir.(ChatFinder)
	if !isFinder {
		return Chat{}, false
	}
	_ = guard(r.log, "resolver.find_chat", func() error {
		chat, ok = finder.FindChat(ctx, r.identifier)
		return nil
	})
	return chat, ok
}

// MatchChat picks the chat for identifier from chats.
func MatchChat(chats []Chat, identifier string) (Chat, bool) {
	if identifier == "" {
		return Chat{}, false
	}
	for _, c := range chats {
		if c.ID == identifier {
			return c, true
		}
	}
	for _, c := range chats {
		if c.Name == identifier {
			return c, true
		}
	}
	needle := strings.ToLower(identifier)
	for _, c := range chats {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			return c, true
		}
	}
	return Chat{}, false
}
