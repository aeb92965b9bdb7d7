package texbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InteractionHandler sends the responses to one interaction
type InteractionHandler interface {
	// Respond sends the initial response
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit replaces the initial response, once one has been sent
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GetInteraction() *discordgo.InteractionCreate
	Logger() *slog.Logger
}

// GatewayHandler answers interactions received over the gateway,
// through the session's REST client.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (g GatewayHandler) Respond(ctx context.Context, response *discordgo.InteractionResponse) error {
	if err := g.session.InteractionRespond(g.interaction.Interaction, response); err != nil {
		g.logger.ErrorContext(ctx, "interaction response failed", tint.Err(err), "response_type", response.Type)
		return err
	}
	return nil
}

func (g GatewayHandler) Edit(
	ctx context.Context,
	edit *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := g.session.InteractionResponseEdit(g.interaction.Interaction, edit, opts...)
	if err != nil {
		g.logger.ErrorContext(ctx, "interaction response edit failed", tint.Err(err))
	}
	return msg, err
}

func (g GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return g.interaction
}

func (g GatewayHandler) Logger() *slog.Logger {
	return g.logger
}

// InteractionLog records each command interaction the bot receives
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	Command       string `json:"command" gorm:"type:string;index"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	Error         string `json:"error,omitempty" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.Command = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}
