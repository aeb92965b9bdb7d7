// Package texbot implements a community-management Discord bot for a single
// society guild.
//
// The bot keeps a lazily refreshed cache of the guild resources it depends
// on (the committee, guest, member and archivist roles, and the roles,
// general and welcome channels). Commands are grouped into cogs, and each
// command is wrapped with middleware that captures fatal guild errors
// and shuts the bot down rather than letting it act on stale state.
//
// Key components of the package include:
//
//   - TeXBot: owns the configuration, database, Discord session and API,
//     and dispatches interactions to cogs.
//   - GuildCache: resolves guild roles and channels by ID, falling back to
//     a lookup by name when a cached resource disappears.
//   - Cog: a group of related commands (induction, reminders, strikes...).
//   - API: an optional admin HTTP API for inspecting and reloading state.
//
// The bot supports the following commands:
//
//   - /ping, /induct, /ensure_members_inducted, /make_member
//   - /write_roles, /edit_message, /remind_me, /archive, /strike
//   - "Silently induct user" and "Induct user" user context menu commands
package texbot
