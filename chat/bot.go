// Package chat runs the dashboard's Twitch IRC command bot.
//
// The bot joins the broadcaster's channel and answers "!command" messages
// from the owner's commands table. Commands carry per-command cooldowns so a
// spammed trigger cannot flood the channel. Responses support a couple of
// placeholders ({user}, {channel}).
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// chat:read/chat:edit scopes, supplied through configuration.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Command is one row of the owner's commands table.
type Command struct {
	Name     string
	Response string
	Cooldown time.Duration
}

// Bot is a single-channel IRC command responder.
type Bot struct {
	Username string
	OAuth    string // "oauth:..." token for the bot account
	Channel  string
	OwnerID  string
	DB       *sql.DB

	// ReloadInterval bounds how stale the in-memory command set can get.
	// Defaults to a minute.
	ReloadInterval time.Duration

	mu       sync.Mutex
	commands map[string]Command
	lastUsed map[string]time.Time
	loadedAt time.Time
}

// Run connects to IRC and serves commands until ctx is canceled. Returns nil
// on clean shutdown.
func (b *Bot) Run(ctx context.Context) error {
	if b.Username == "" || b.OAuth == "" || b.Channel == "" {
		slog.Info("chat bot credentials not set; bot disabled")
		return nil
	}

	client := twitch.NewClient(b.Username, b.OAuth)
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if reply := b.Respond(ctx, msg.Message, msg.User.Name, time.Now()); reply != "" {
			client.Say(b.Channel, reply)
		}
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := client.Disconnect(); err != nil {
			slog.Debug("chat disconnect", slog.Any("err", err))
		}
		close(done)
	}()

	client.Join(b.Channel)
	slog.Info("chat bot connecting", slog.String("channel", b.Channel))
	err := client.Connect()
	if ctx.Err() != nil {
		<-done
		return nil
	}
	if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
		return err
	}
	return nil
}

// Respond returns the reply for one chat line, or "" when the line is not a
// known command or its cooldown has not elapsed.
func (b *Bot) Respond(ctx context.Context, message, user string, now time.Time) string {
	name, ok := parseCommand(message)
	if !ok {
		return ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.reloadLocked(ctx, now); err != nil {
		slog.Warn("command reload failed", slog.Any("err", err))
		return ""
	}
	cmd, ok := b.commands[name]
	if !ok {
		return ""
	}
	if last, used := b.lastUsed[name]; used && now.Sub(last) < cmd.Cooldown {
		return ""
	}
	b.lastUsed[name] = now

	reply := strings.ReplaceAll(cmd.Response, "{user}", user)
	reply = strings.ReplaceAll(reply, "{channel}", b.Channel)
	return reply
}

func parseCommand(message string) (string, bool) {
	message = strings.TrimSpace(message)
	if !strings.HasPrefix(message, "!") {
		return "", false
	}
	fields := strings.Fields(message[1:])
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

func (b *Bot) reloadLocked(ctx context.Context, now time.Time) error {
	interval := b.ReloadInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if b.commands != nil && now.Sub(b.loadedAt) < interval {
		return nil
	}

	rows, err := b.DB.QueryContext(ctx, `
		SELECT name, response, cooldown_seconds
		FROM commands
		WHERE owner_id = $1 AND enabled`, b.OwnerID)
	if err != nil {
		return err
	}
	defer rows.Close()

	commands := make(map[string]Command)
	for rows.Next() {
		var c Command
		var cooldown int
		if err := rows.Scan(&c.Name, &c.Response, &cooldown); err != nil {
			return err
		}
		c.Name = strings.ToLower(c.Name)
		c.Cooldown = time.Duration(cooldown) * time.Second
		commands[c.Name] = c
	}
	if err := rows.Err(); err != nil {
		return err
	}

	b.commands = commands
	b.loadedAt = now
	if b.lastUsed == nil {
		b.lastUsed = make(map[string]time.Time)
	}
	return nil
}
