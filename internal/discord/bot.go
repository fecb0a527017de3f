// Package discord exposes lamp status and control as Discord slash commands
// and announces mode changes to an alerts channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/YassineXScenery/lampsync/internal/coordinator"
	"github.com/YassineXScenery/lampsync/internal/pwf"
	"github.com/YassineXScenery/lampsync/internal/shared"
)

const (
	colorSuccess = 0x00CC66
	colorInfo    = 0x3399FF
	colorWarning = 0xFFCC00
	colorFlash   = 0xFF9900
	colorIdle    = 0x808080
	colorError   = 0xCC3333

	commandTimeout = 10 * time.Second
)

// DiscordSession abstracts the discordgo.Session methods used by Bot so it
// can be tested without the Discord API.
type DiscordSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ApplicationCommandCreate(appID string, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID string, guildID string, cmdID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	State() *discordgo.State
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

func (r *realDiscordSession) Open() error {
	return r.s.Open()
}

func (r *realDiscordSession) Close() error {
	return r.s.Close()
}

func (r *realDiscordSession) ApplicationCommandCreate(appID, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error) {
	return r.s.ApplicationCommandCreate(appID, guildID, cmd, options...)
}

func (r *realDiscordSession) ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error {
	return r.s.ApplicationCommandDelete(appID, guildID, cmdID, options...)
}

func (r *realDiscordSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}

func (r *realDiscordSession) FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.FollowupMessageCreate(interaction, wait, params, options...)
}

func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

func (r *realDiscordSession) State() *discordgo.State {
	return r.s.State
}

// Controller is the coordinator surface the bot drives.
type Controller interface {
	Snapshot() coordinator.State
	ChangeMode(ctx context.Context, mode shared.Mode) (coordinator.State, error)
	ToggleButton(ctx context.Context, p shared.Protocol) (coordinator.Channel, error)
	Subscribe(buffer int) (<-chan coordinator.Event, func())
}

type Config struct {
	GuildID string
	// AlertsChannelID receives an embed for every mode change. Empty
	// disables announcements.
	AlertsChannelID string
}

// Bot manages Discord slash command interactions for one node.
type Bot struct {
	session DiscordSession
	cfg     Config
	ctrl    Controller
	logger  *zap.Logger

	mu            sync.Mutex
	commandIDs    []string
	running       bool
	removeHandler func()
	unsubscribe   func()
	wg            sync.WaitGroup
}

// NewBot creates a Bot with a real discordgo session.
func NewBot(token string, cfg Config, ctrl Controller, logger *zap.Logger) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return NewBotWithSession(&realDiscordSession{s: dg}, cfg, ctrl, logger), nil
}

// NewBotWithSession creates a Bot with an injected session (for testing).
func NewBotWithSession(session DiscordSession, cfg Config, ctrl Controller, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		session: session,
		cfg:     cfg,
		ctrl:    ctrl,
		logger:  logger,
	}
}

func slashCommands() []*discordgo.ApplicationCommand {
	modeChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(shared.Modes))
	for _, m := range shared.Modes {
		modeChoices = append(modeChoices, &discordgo.ApplicationCommandOptionChoice{Name: m.Name(), Value: string(m)})
	}
	protocolChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(shared.Protocols))
	for _, p := range shared.Protocols {
		protocolChoices = append(protocolChoices, &discordgo.ApplicationCommandOptionChoice{Name: string(p), Value: string(p)})
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        "lamp-status",
			Description: "Show the current mode and lamp states",
		},
		{
			Name:        "lamp-mode",
			Description: "Change the PWF mode",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "mode",
					Description: "Target mode",
					Required:    true,
					Choices:     modeChoices,
				},
			},
		},
		{
			Name:        "lamp-toggle",
			Description: "Toggle a channel button (Warning and Flash only)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "protocol",
					Description: "Channel to toggle",
					Required:    true,
					Choices:     protocolChoices,
				},
			},
		},
	}
}

// Start opens the Discord session, registers commands and, when an alerts
// channel is configured, starts announcing mode changes.
func (b *Bot) Start() error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("discord bot is already running")
	}
	b.mu.Unlock()

	b.removeHandler = b.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.handleInteraction(i)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	appID := b.appID()
	var registeredIDs []string
	for _, cmd := range slashCommands() {
		registered, err := b.session.ApplicationCommandCreate(appID, b.cfg.GuildID, cmd)
		if err != nil {
			b.logger.Warn("failed to register slash command",
				zap.String("command", cmd.Name),
				zap.Error(err),
			)
			continue
		}
		registeredIDs = append(registeredIDs, registered.ID)
		b.logger.Info("registered slash command", zap.String("command", cmd.Name))
	}

	b.mu.Lock()
	b.commandIDs = registeredIDs
	b.running = true
	if b.cfg.AlertsChannelID != "" {
		events, cancel := b.ctrl.Subscribe(32)
		b.unsubscribe = cancel
		b.wg.Add(1)
		go b.announceLoop(events)
	}
	b.mu.Unlock()

	return nil
}

// Stop deregisters commands, ends announcements and closes the session.
func (b *Bot) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	ids := b.commandIDs
	b.commandIDs = nil
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	b.wg.Wait()

	appID := b.appID()
	for _, id := range ids {
		if err := b.session.ApplicationCommandDelete(appID, b.cfg.GuildID, id); err != nil {
			b.logger.Warn("failed to delete slash command", zap.String("id", id), zap.Error(err))
		}
	}

	if b.removeHandler != nil {
		b.removeHandler()
	}

	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	return nil
}

func (b *Bot) appID() string {
	state := b.session.State()
	if state != nil && state.User != nil {
		return state.User.ID
	}
	return ""
}

func (b *Bot) announceLoop(events <-chan coordinator.Event) {
	defer b.wg.Done()
	for ev := range events {
		if ev.Type != coordinator.EventModeChanged {
			continue
		}
		if _, err := b.session.ChannelMessageSendEmbed(b.cfg.AlertsChannelID, modeChangeEmbed(ev)); err != nil {
			b.logger.Warn("failed to announce mode change",
				zap.String("mode", string(ev.Mode)),
				zap.Error(err))
		}
	}
}

// handleInteraction routes incoming interactions to the command handlers.
func (b *Bot) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in interaction handler",
				zap.Any("panic", r),
				zap.String("command", i.ApplicationCommandData().Name),
			)
			_, _ = b.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
				Embeds: []*discordgo.MessageEmbed{errorEmbed("Internal Error", "An unexpected error occurred. Please try again.")},
			})
		}
	}()

	data := i.ApplicationCommandData()
	cmdName := data.Name

	if err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		b.logger.Error("failed to acknowledge interaction", zap.String("command", cmdName), zap.Error(err))
		return
	}

	opts := make(map[string]*discordgo.ApplicationCommandInteractionDataOption)
	for _, opt := range data.Options {
		opts[opt.Name] = opt
	}

	var embed *discordgo.MessageEmbed
	switch cmdName {
	case "lamp-status":
		embed = stateEmbed("Lamp Status", colorInfo, b.ctrl.Snapshot())
	case "lamp-mode":
		embed = b.handleMode(opts)
	case "lamp-toggle":
		embed = b.handleToggle(opts)
	default:
		embed = errorEmbed("Unknown Command", fmt.Sprintf("Command `/%s` is not recognized.", cmdName))
	}

	if _, err := b.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}); err != nil {
		b.logger.Error("failed to send followup", zap.String("command", cmdName), zap.Error(err))
	}
}

func (b *Bot) handleMode(opts map[string]*discordgo.ApplicationCommandInteractionDataOption) *discordgo.MessageEmbed {
	opt, ok := opts["mode"]
	if !ok {
		return validationErrorEmbed("Missing required argument: `mode`")
	}
	mode, err := shared.ParseMode(opt.StringValue())
	if err != nil {
		return validationErrorEmbed(fmt.Sprintf("Unknown mode `%s`.", opt.StringValue()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	state, err := b.ctrl.ChangeMode(ctx, mode)
	if err != nil {
		return controlErrorEmbed("Mode Change Failed", err)
	}
	return stateEmbed("Mode: "+mode.Name(), colorSuccess, state)
}

func (b *Bot) handleToggle(opts map[string]*discordgo.ApplicationCommandInteractionDataOption) *discordgo.MessageEmbed {
	opt, ok := opts["protocol"]
	if !ok {
		return validationErrorEmbed("Missing required argument: `protocol`")
	}
	p, err := shared.ParseProtocol(opt.StringValue())
	if err != nil {
		return validationErrorEmbed(fmt.Sprintf("Unknown protocol `%s`.", opt.StringValue()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := b.ctrl.ToggleButton(ctx, p); err != nil {
		return controlErrorEmbed("Toggle Failed", err)
	}
	return stateEmbed("Toggled: "+string(p), colorSuccess, b.ctrl.Snapshot())
}

func controlErrorEmbed(title string, err error) *discordgo.MessageEmbed {
	var te *pwf.TransitionError
	switch {
	case errors.As(err, &te):
		next := make([]string, 0, 3)
		for _, m := range pwf.Successors(te.From) {
			next = append(next, m.Name())
		}
		return errorEmbed(title, fmt.Sprintf("Cannot go from %s to %s. Allowed: %s.", te.From.Name(), te.To.Name(), strings.Join(next, ", ")))
	case errors.Is(err, coordinator.ErrButtonDisabled):
		return errorEmbed(title, "Buttons only work in Warning or Flash.")
	case coordinator.IsPersistenceError(err):
		return errorEmbed(title, "The change could not be saved. State was not modified.")
	default:
		return errorEmbed(title, "An unexpected error occurred. Please try again.")
	}
}

func stateEmbed(title string, color int, s coordinator.State) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Mode", Value: fmt.Sprintf("%s (`%s`)", s.Mode.Name(), s.Mode), Inline: true},
		{Name: "Version", Value: fmt.Sprintf("%d", s.ModeVersion), Inline: true},
	}
	for _, p := range shared.Protocols {
		ch := s.Channels[p]
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   string(p),
			Value:  fmt.Sprintf("lamp %s, button %s", valueOrDash(string(ch.Lamp)), valueOrDash(string(ch.Button))),
			Inline: false,
		})
	}
	footer := ""
	if s.Offline {
		footer = "offline: changes are not persisted"
	}

	embed := &discordgo.MessageEmbed{
		Title:     title,
		Color:     color,
		Fields:    fields,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: footer}
	}
	return embed
}

func modeChangeEmbed(ev coordinator.Event) *discordgo.MessageEmbed {
	origin := "local"
	if ev.Remote {
		origin = "peer " + valueOrDash(ev.Source)
	}
	return &discordgo.MessageEmbed{
		Title:       "Mode changed: " + ev.Mode.Name(),
		Description: fmt.Sprintf("%s → %s (%s)", ev.PreviousMode.Name(), ev.Mode.Name(), origin),
		Color:       modeColor(ev.Mode),
		Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339),
	}
}

func modeColor(m shared.Mode) int {
	switch m {
	case shared.ModeWarning:
		return colorWarning
	case shared.ModeFlash:
		return colorFlash
	case shared.ModeStandBy:
		return colorInfo
	}
	return colorIdle
}

func errorEmbed(title, description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       colorError,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func validationErrorEmbed(description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Validation Error",
		Description: description,
		Color:       colorError,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func valueOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
