package game

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// PacketHook runs after the core handler for a packet command. subCommand
// is only meaningful for multiplexed commands and is zero otherwise.
type PacketHook func(s *Session, subCommand byte)

// ChatCommandHook handles one "/name remainder" chat command. Returning
// true marks the command handled; all hooks for a name run regardless.
type ChatCommandHook func(s *Session, remainder string) bool

// ChatHook sees every non-command chat line before it is relayed to the
// room. Returning true suppresses the relay.
type ChatHook func(s *Session, text string) bool

// NameFormatHook rewrites a session's display name for chat output. These
// run inside broadcast paths that hold the directory lock, so they must
// not call back into Room, Rights, the identity accessors, or any
// Directory method; the current name is passed in.
type NameFormatHook func(s *Session, current string) string

// Hooks is the registry of externally supplied callbacks. A panicking hook
// is logged and never takes down the dispatch loop or its sibling hooks.
type Hooks struct {
	logger *logrus.Logger

	mu           sync.RWMutex
	packet       map[byte][]PacketHook
	chatCommands map[string][]ChatCommandHook
	chat         []ChatHook
	nameFormat   []NameFormatHook
}

func NewHooks(logger *logrus.Logger) *Hooks {
	return &Hooks{
		logger:       logger,
		packet:       make(map[byte][]PacketHook),
		chatCommands: make(map[string][]ChatCommandHook),
	}
}

func (h *Hooks) OnPacket(command byte, hook PacketHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packet[command] = append(h.packet[command], hook)
}

func (h *Hooks) OnChatCommand(name string, hook ChatCommandHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chatCommands[name] = append(h.chatCommands[name], hook)
}

func (h *Hooks) OnChat(hook ChatHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chat = append(h.chat, hook)
}

func (h *Hooks) OnNameFormat(hook NameFormatHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nameFormat = append(h.nameFormat, hook)
}

// safely invokes fn, converting a panic into a logged hook failure.
func (h *Hooks) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("%s hook error: %v", kind, r)
		}
	}()
	fn()
}

// DispatchPacket runs every hook registered for the command.
func (h *Hooks) DispatchPacket(s *Session, command byte, subCommand byte) {
	h.mu.RLock()
	hooks := h.packet[command]
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook := hook
		h.safely("packet", func() { hook(s, subCommand) })
	}
}

// DispatchChatCommand runs every hook registered for a chat command name
// and reports whether any of them handled it.
func (h *Hooks) DispatchChatCommand(s *Session, name string, remainder string) bool {
	h.mu.RLock()
	hooks := h.chatCommands[name]
	h.mu.RUnlock()

	handled := false
	for _, hook := range hooks {
		hook := hook
		h.safely("chat command", func() {
			if hook(s, remainder) {
				handled = true
			}
		})
	}
	return handled
}

// DispatchChat runs the raw-chat hooks and reports whether any claimed the
// message.
func (h *Hooks) DispatchChat(s *Session, text string) bool {
	h.mu.RLock()
	hooks := h.chat
	h.mu.RUnlock()

	handled := false
	for _, hook := range hooks {
		hook := hook
		h.safely("chat", func() {
			if hook(s, text) {
				handled = true
			}
		})
	}
	return handled
}

// FormatName threads a display name through the formatting chain.
func (h *Hooks) FormatName(s *Session, current string) string {
	h.mu.RLock()
	hooks := h.nameFormat
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook := hook
		h.safely("name format", func() { current = hook(s, current) })
	}
	return current
}
