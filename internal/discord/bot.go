package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"hydrogen/internal/config"
	"hydrogen/internal/logger"
	"hydrogen/internal/manager"
)

// Bot is the gateway adapter. It forwards voice credentials and channel
// occupancy to the manager; the command surface lives outside this
// process boundary.
type Bot struct {
	dg      *discordgo.Session
	cfg     *config.Config
	manager *manager.Manager
}

// StartBot opens the gateway session, attaches the node pool and blocks
// until the context is cancelled.
func StartBot(ctx context.Context, cfg *config.Config, mgr *manager.Manager) error {
	b := &Bot{cfg: cfg, manager: mgr}
	if err := b.run(ctx, cfg.DiscordToken); err != nil {
		return fmt.Errorf("bot run error: %w", err)
	}
	return nil
}

func (b *Bot) run(ctx context.Context, token string) error {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	b.dg = dg

	b.configureIntents()
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onVoiceStateUpdate)
	dg.AddHandler(b.onVoiceServerUpdate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer dg.Close()

	// Nodes need the bot's user id for their handshake, so the pool
	// starts only after the session is open.
	if err := b.manager.Connect(ctx, b.cfg.Nodes(), dg.State.User.ID); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, closing gateway session")
	return nil
}

func (b *Bot) configureIntents() {
	b.dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	logger.Info("gateway session ready",
		logger.String("user", r.User.Username),
		logger.Int("guilds", len(r.Guilds)))
}

// onVoiceStateUpdate feeds the client half of the voice handshake to the
// manager when the bot itself moves, and recounts channel occupancy for
// the idle timer on every change.
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.UserID == s.State.User.ID {
		b.manager.UpdateVoiceState(vsu.GuildID, vsu.SessionID, vsu.ChannelID)
	}

	channelID := b.botChannel(s, vsu.GuildID)
	if channelID == "" {
		return
	}
	b.manager.OccupancyChanged(vsu.GuildID, b.countHumans(s, vsu.GuildID, channelID))
}

func (b *Bot) onVoiceServerUpdate(s *discordgo.Session, vsu *discordgo.VoiceServerUpdate) {
	b.manager.UpdateVoiceServer(vsu.GuildID, vsu.Token, vsu.Endpoint)
}

// JoinChannel asks the gateway to move the bot into a voice channel. The
// voice transport itself is the node's job, so the join is manual: no
// local voice connection is created.
func (b *Bot) JoinChannel(guildID, channelID string) error {
	return b.dg.ChannelVoiceJoinManual(guildID, channelID, false, true)
}

// LeaveChannel disconnects the bot from voice in a guild.
func (b *Bot) LeaveChannel(guildID string) error {
	return b.dg.ChannelVoiceJoinManual(guildID, "", false, true)
}

// botChannel returns the voice channel the bot currently occupies in a
// guild, or empty.
func (b *Bot) botChannel(s *discordgo.Session, guildID string) string {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == s.State.User.ID {
			return vs.ChannelID
		}
	}
	return ""
}

// countHumans counts non-bot members in a voice channel. Members missing
// from the state cache are counted; better a reset timer than a player
// destroyed under listeners.
func (b *Bot) countHumans(s *discordgo.Session, guildID, channelID string) int {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return 0
	}

	humans := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == s.State.User.ID {
			continue
		}
		member, err := s.State.Member(guildID, vs.UserID)
		if err == nil && member.User != nil && member.User.Bot {
			continue
		}
		humans++
	}
	return humans
}
