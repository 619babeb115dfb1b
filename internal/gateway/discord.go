package gateway

import (
	"context"
	"log"

	"github.com/bwmarrin/discordgo"
)

const discordLimit = 2000

// DiscordGateway listens to guild and direct messages through a bot
// session. Chat ids are Discord channel ids.
type DiscordGateway struct {
	Session *discordgo.Session
	Handler Handler
	// Allowed restricts which Discord channels may drive the device. Empty
	// allows everyone.
	Allowed map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDiscordGateway(token string, handler Handler, allowed []string) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	ctx, cancel := context.WithCancel(context.Background())
	dg := &DiscordGateway{
		Session: session,
		Handler: handler,
		Allowed: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, id := range allowed {
		dg.Allowed[id] = true
	}
	session.AddHandler(dg.onMessage)
	return dg, nil
}

func (dg *DiscordGateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if len(dg.Allowed) > 0 && !dg.Allowed[m.ChannelID] {
		return
	}

	log.Printf("[Gateway] [%s] %s", m.Author.Username, m.Content)

	reply := dg.Handler.Handle(dg.ctx, ChatID("discord", m.ChannelID), m.Content)
	if reply == "" {
		return
	}
	if err := dg.Send(m.ChannelID, reply); err != nil {
		log.Printf("[Gateway] Discord reply failed: %v", err)
	}
}

// Start opens the session and blocks until Stop.
func (dg *DiscordGateway) Start() error {
	if err := dg.Session.Open(); err != nil {
		return err
	}
	if u := dg.Session.State.User; u != nil {
		log.Printf("[Gateway] Authorized on Discord account %s", u.Username)
	}
	<-dg.ctx.Done()
	return nil
}

// Send takes the gateway-local channel id.
func (dg *DiscordGateway) Send(chatID string, text string) error {
	_, err := dg.Session.ChannelMessageSend(chatID, clip(text, discordLimit))
	return err
}

func (dg *DiscordGateway) Stop() error {
	dg.cancel()
	return dg.Session.Close()
}
