package texbot

import (
	"errors"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// GuildState is the subset of [discordgo.State] the cache reads from
type GuildState interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Member(guildID string, userID string) (*discordgo.Member, error)
	UserChannelPermissions(userID string, channelID string) (int64, error)
}

type guildRole int

const (
	roleCommittee guildRole = iota
	roleGuest
	roleMember
	roleArchivist
	roleCount
)

type guildChannel int

const (
	channelRoles guildChannel = iota
	channelGeneral
	channelWelcome
	channelCount
)

var (
	roleKeys    = [roleCount]string{"committee", "guest", "member", "archivist"}
	channelKeys = [channelCount]string{"roles", "general", "welcome"}
)

// GuildCache holds references to the community guild and the roles and
// channels the bot works with.
//
// Resources are found by name the first time they're needed, then kept
// by ID: a cached role stays valid after being renamed, and is only looked
// up by name again once no role with its ID exists in the guild. A lookup
// that finds nothing caches nil, and is retried on the next access.
type GuildCache struct {
	guildID string
	state   GuildState
	config  *GuildConfig

	mu       sync.Mutex
	guild    *discordgo.Guild
	roles    [roleCount]*discordgo.Role
	channels [channelCount]*discordgo.Channel
}

func NewGuildCache(guildID string, state GuildState, config *GuildConfig) *GuildCache {
	return &GuildCache{
		guildID: guildID,
		state:   state,
		config:  config,
	}
}

// GuildID returns the configured community guild ID
func (c *GuildCache) GuildID() string {
	return c.guildID
}

// SetGuild records g as the community guild. Guilds with any other ID
// are ignored.
func (c *GuildCache) SetGuild(g *discordgo.Guild) {
	if g == nil || g.ID != c.guildID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guild = g
}

// Invalidate drops every cached role and channel, so the next access
// looks each one up by name. The guild itself is kept.
func (c *GuildCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles = [roleCount]*discordgo.Role{}
	c.channels = [channelCount]*discordgo.Channel{}
}

// Guild returns the community guild. A [*GuildDoesNotExistError] is
// returned if the guild hasn't been seen yet, or is no longer in the
// session state (the bot was removed, or the guild is unavailable).
func (c *GuildCache) Guild() (*discordgo.Guild, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guildLocked()
}

func (c *GuildCache) guildLocked() (*discordgo.Guild, error) {
	if c.guild == nil || c.state == nil {
		return nil, &GuildDoesNotExistError{GuildID: c.guildID}
	}
	g, err := c.state.Guild(c.guildID)
	if err != nil || g == nil {
		return nil, &GuildDoesNotExistError{GuildID: c.guildID}
	}
	c.guild = g
	return g, nil
}

// Member returns the guild member with the given user ID from the
// session state. [ErrNoGuildMember] is returned if they aren't in the
// guild, or haven't been seen by the gateway.
func (c *GuildCache) Member(userID string) (*discordgo.Member, error) {
	if _, err := c.Guild(); err != nil {
		return nil, err
	}
	m, err := c.state.Member(c.guildID, userID)
	if err != nil {
		if errors.Is(err, discordgo.ErrStateNotFound) {
			return nil, ErrNoGuildMember
		}
		return nil, err
	}
	return m, nil
}

// CommitteeRole returns the role of committee members, or nil if the
// guild has no role with the configured name.
func (c *GuildCache) CommitteeRole() (*discordgo.Role, error) {
	return c.role(roleCommittee)
}

// GuestRole returns the role given to inducted members.
func (c *GuildCache) GuestRole() (*discordgo.Role, error) {
	return c.role(roleGuest)
}

// MemberRole returns the role given to paying society members.
func (c *GuildCache) MemberRole() (*discordgo.Role, error) {
	return c.role(roleMember)
}

// ArchivistRole returns the role that can view archived channels.
func (c *GuildCache) ArchivistRole() (*discordgo.Role, error) {
	return c.role(roleArchivist)
}

// RolesChannel returns the text channel role-selection messages are
// posted in.
func (c *GuildCache) RolesChannel() (*discordgo.Channel, error) {
	return c.channel(channelRoles)
}

// GeneralChannel returns the text channel welcome messages are posted in.
func (c *GuildCache) GeneralChannel() (*discordgo.Channel, error) {
	return c.channel(channelGeneral)
}

// WelcomeChannel returns the guild's rules channel if it has one, or
// else the text channel with the configured welcome channel name.
func (c *GuildCache) WelcomeChannel() (*discordgo.Channel, error) {
	return c.channel(channelWelcome)
}

func (c *GuildCache) roleName(kind guildRole) string {
	switch kind {
	case roleCommittee:
		return c.config.CommitteeRoleName
	case roleGuest:
		return c.config.GuestRoleName
	case roleMember:
		return c.config.MemberRoleName
	case roleArchivist:
		return c.config.ArchivistRoleName
	default:
		return ""
	}
}

func (c *GuildCache) channelName(kind guildChannel) string {
	switch kind {
	case channelRoles:
		return c.config.RolesChannelName
	case channelGeneral:
		return c.config.GeneralChannelName
	case channelWelcome:
		return c.config.WelcomeChannelName
	default:
		return ""
	}
}

func (c *GuildCache) role(kind guildRole) (*discordgo.Role, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	guild, err := c.guildLocked()
	if err != nil {
		return nil, err
	}

	if cached := c.roles[kind]; cached != nil {
		if current := roleByID(guild, cached.ID); current != nil {
			c.roles[kind] = current
			return current, nil
		}
	}
	c.roles[kind] = roleByName(guild, c.roleName(kind))
	return c.roles[kind], nil
}

func (c *GuildCache) channel(kind guildChannel) (*discordgo.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	guild, err := c.guildLocked()
	if err != nil {
		return nil, err
	}

	if cached := c.channels[kind]; cached != nil {
		if current := textChannelByID(guild, cached.ID); current != nil {
			c.channels[kind] = current
			return current, nil
		}
	}

	var found *discordgo.Channel
	if kind == channelWelcome && guild.RulesChannelID != "" {
		found = textChannelByID(guild, guild.RulesChannelID)
	}
	if found == nil {
		found = textChannelByName(guild, c.channelName(kind))
	}
	c.channels[kind] = found
	return found, nil
}

func roleByID(g *discordgo.Guild, id string) *discordgo.Role {
	for _, r := range g.Roles {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func roleByName(g *discordgo.Guild, name string) *discordgo.Role {
	for _, r := range g.Roles {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func channelByID(g *discordgo.Guild, id string) *discordgo.Channel {
	for _, ch := range g.Channels {
		if ch.ID == id {
			return ch
		}
	}
	return nil
}

func textChannelByID(g *discordgo.Guild, id string) *discordgo.Channel {
	if ch := channelByID(g, id); ch != nil && ch.Type == discordgo.ChannelTypeGuildText {
		return ch
	}
	return nil
}

// textChannelByName returns the top-most text channel named name, as
// ordered in the channel list
func textChannelByName(g *discordgo.Guild, name string) *discordgo.Channel {
	var found *discordgo.Channel
	for _, ch := range g.Channels {
		if ch.Type != discordgo.ChannelTypeGuildText || ch.Name != name {
			continue
		}
		if found == nil || ch.Position < found.Position {
			found = ch
		}
	}
	return found
}

// CachedResource identifies a cached role or channel
type CachedResource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GuildCacheStatus describes the guild and every resource the cache
// resolves, as returned by the admin API
type GuildCacheStatus struct {
	GuildID   string                     `json:"guild_id"`
	GuildName string                     `json:"guild_name,omitempty"`
	Available bool                       `json:"available"`
	Roles     map[string]*CachedResource `json:"roles"`
	Channels  map[string]*CachedResource `json:"channels"`
}

// Status resolves every cached resource and reports what was found.
// Resources that couldn't be found are nil.
func (c *GuildCache) Status() GuildCacheStatus {
	status := GuildCacheStatus{
		GuildID:  c.guildID,
		Roles:    make(map[string]*CachedResource, roleCount),
		Channels: make(map[string]*CachedResource, channelCount),
	}
	guild, err := c.Guild()
	if err != nil {
		return status
	}
	status.Available = true
	status.GuildName = guild.Name

	for kind := guildRole(0); kind < roleCount; kind++ {
		r, _ := c.role(kind)
		if r == nil {
			status.Roles[roleKeys[kind]] = nil
			continue
		}
		status.Roles[roleKeys[kind]] = &CachedResource{ID: r.ID, Name: r.Name}
	}
	for kind := guildChannel(0); kind < channelCount; kind++ {
		ch, _ := c.channel(kind)
		if ch == nil {
			status.Channels[channelKeys[kind]] = nil
			continue
		}
		status.Channels[channelKeys[kind]] = &CachedResource{ID: ch.ID, Name: ch.Name}
	}
	return status
}
