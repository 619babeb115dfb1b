package gateway

import (
	"fmt"
	"strings"
	"sync"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start() error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// ChatID qualifies a gateway-local chat id with the gateway's name, e.g.
// "telegram:12345".
func ChatID(gateway, local string) string {
	return gateway + ":" + local
}

func splitChatID(chatID string) (string, string, bool) {
	gw, local, ok := strings.Cut(chatID, ":")
	if !ok || gw == "" || local == "" {
		return "", "", false
	}
	return gw, local, true
}

// Router sends to qualified chat ids through the gateway that owns them.
type Router struct {
	mu       sync.RWMutex
	gateways map[string]Messenger
}

func NewRouter() *Router {
	return &Router{gateways: make(map[string]Messenger)}
}

func (r *Router) Register(name string, m Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[name] = m
}

// Send delivers text to a qualified chat id.
func (r *Router) Send(chatID string, text string) error {
	gw, local, ok := splitChatID(chatID)
	if !ok {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}
	r.mu.RLock()
	m, found := r.gateways[gw]
	r.mu.RUnlock()
	if !found {
		return fmt.Errorf("no gateway %q for chat %s", gw, chatID)
	}
	return m.Send(local, text)
}

func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit-3] + "..."
}
