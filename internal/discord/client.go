// Package discord adapts a discordgo session to the chat operations the
// tracker needs. Only REST endpoints are used; no gateway connection is
// opened.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/streamherald/streamherald/internal/tracker"
)

// Client implements tracker.ChatClient on top of a discordgo session.
type Client struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func NewClient(session *discordgo.Session, logger *slog.Logger) (*Client, error) {
	if session == nil {
		return nil, errors.New("discord session is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{session: session, logger: logger}, nil
}

func (c *Client) SendEmbed(ctx context.Context, channelID string, embed tracker.Embed) (string, error) {
	msg := &discordgo.MessageEmbed{
		Title:       embed.Title,
		Description: embed.Description,
		URL:         embed.URL,
		Color:       0x9146FF,
	}
	if embed.ImageURL != "" {
		msg.Image = &discordgo.MessageEmbedImage{URL: embed.ImageURL}
	}
	sent, err := c.session.ChannelMessageSendEmbed(channelID, msg, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send embed to channel %s: %w", channelID, err)
	}
	return sent.ID, nil
}

// DeleteMessage removes a posted alert. A message that is already gone counts
// as success so teardown stays idempotent.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	err := c.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
	if err == nil {
		return nil
	}
	if isUnknownMessage(err) {
		c.logger.Debug("alert message already deleted", "channel_id", channelID, "message_id", messageID)
		return nil
	}
	return fmt.Errorf("delete message %s in channel %s: %w", messageID, channelID, err)
}

func (c *Client) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	if err := c.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("grant role %s to %s: %w", roleID, userID, err)
	}
	return nil
}

func (c *Client) RevokeRole(ctx context.Context, guildID, userID, roleID string) error {
	if err := c.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("revoke role %s from %s: %w", roleID, userID, err)
	}
	return nil
}

func isUnknownMessage(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMessage
}
