package chatplatform

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DirectoryAPI is the subset of Client the directory reads from.
type DirectoryAPI interface {
	ListGuildChannels(ctx context.Context, guildID string) ([]Channel, error)
	ListGuildRoles(ctx context.Context, guildID string) ([]Role, error)
	ListGuildEmojis(ctx context.Context, guildID string) ([]Emoji, error)
	GetGuildMember(ctx context.Context, guildID, userID string) (*Member, error)
	SearchGuildMembers(ctx context.Context, guildID, query string, limit int) ([]Member, error)
}

// Directory caches one guild's channels, roles and emojis for ttl and
// member display names per id. Lookup failures degrade to "not found".
type Directory struct {
	api     DirectoryAPI
	guildID string
	ttl     time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	loadedAt time.Time
	channels []Channel
	roles    []Role
	emojis   []Emoji
	members  map[string]memberEntry
}

type memberEntry struct {
	member Member
	at     time.Time
}

func NewDirectory(api DirectoryAPI, guildID string, ttl time.Duration, log *zap.Logger) *Directory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{api: api, guildID: guildID, ttl: ttl, log: log, members: make(map[string]memberEntry)}
}

func (d *Directory) GuildID() string { return d.guildID }

func (d *Directory) refresh(ctx context.Context) {
	d.mu.Lock()
	fresh := !d.loadedAt.IsZero() && time.Since(d.loadedAt) < d.ttl
	d.mu.Unlock()
	if fresh {
		return
	}

	channels, err1 := d.api.ListGuildChannels(ctx, d.guildID)
	roles, err2 := d.api.ListGuildRoles(ctx, d.guildID)
	emojis, err3 := d.api.ListGuildEmojis(ctx, d.guildID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err1 == nil {
		d.channels = channels
	}
	if err2 == nil {
		d.roles = roles
	}
	if err3 == nil {
		d.emojis = emojis
	}
	if err1 != nil || err2 != nil || err3 != nil {
		d.log.Warn("directory_refresh_failed", zap.String("guild", d.guildID),
			zap.NamedError("channels", err1), zap.NamedError("roles", err2), zap.NamedError("emojis", err3))
		return
	}
	d.loadedAt = time.Now()
}

// Invalidate forces the next lookup to reload.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.loadedAt = time.Time{}
	d.members = make(map[string]memberEntry)
	d.mu.Unlock()
}

func (d *Directory) ChannelName(ctx context.Context, id string) (string, bool) {
	d.refresh(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.channels {
		if c.ID == id {
			return c.Name, true
		}
	}
	return "", false
}

func (d *Directory) ChannelByName(ctx context.Context, name string) (string, bool) {
	d.refresh(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.channels {
		if strings.EqualFold(c.Name, name) {
			return c.ID, true
		}
	}
	return "", false
}

func (d *Directory) RoleName(ctx context.Context, id string) (string, bool) {
	d.refresh(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.roles {
		if r.ID == id {
			return r.Name, true
		}
	}
	return "", false
}

func (d *Directory) RoleByName(ctx context.Context, name string) (string, bool) {
	d.refresh(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.roles {
		if strings.EqualFold(r.Name, name) {
			return r.ID, true
		}
	}
	return "", false
}

// Emojis returns the guild's custom emojis.
func (d *Directory) Emojis(ctx context.Context) []Emoji {
	d.refresh(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Emoji(nil), d.emojis...)
}

// Member returns a guild member, cached for ttl.
func (d *Directory) Member(ctx context.Context, userID string) (*Member, bool) {
	d.mu.Lock()
	if e, ok := d.members[userID]; ok && time.Since(e.at) < d.ttl {
		d.mu.Unlock()
		m := e.member
		return &m, true
	}
	d.mu.Unlock()

	m, err := d.api.GetGuildMember(ctx, d.guildID, userID)
	if err != nil {
		d.log.Debug("directory_member_lookup_failed", zap.String("user", userID), zap.Error(err))
		return nil, false
	}
	d.mu.Lock()
	d.members[userID] = memberEntry{member: *m, at: time.Now()}
	d.mu.Unlock()
	return m, true
}

func (d *Directory) UserName(ctx context.Context, id string) (string, bool) {
	m, ok := d.Member(ctx, id)
	if !ok {
		return "", false
	}
	return m.DisplayName(), true
}

// UserByName finds a member whose display or user name equals name,
// ignoring case.
func (d *Directory) UserByName(ctx context.Context, name string) (string, bool) {
	members, err := d.api.SearchGuildMembers(ctx, d.guildID, name, 10)
	if err != nil {
		d.log.Debug("directory_member_search_failed", zap.String("query", name), zap.Error(err))
		return "", false
	}
	for _, m := range members {
		if strings.EqualFold(m.DisplayName(), name) || strings.EqualFold(m.User.Username, name) {
			d.mu.Lock()
			d.members[m.User.ID] = memberEntry{member: m, at: time.Now()}
			d.mu.Unlock()
			return m.User.ID, true
		}
	}
	return "", false
}
