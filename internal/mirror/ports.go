// Package mirror is the synchronization core: it tracks the live topology of
// client instances and conversations, elects the single mirrored session,
// forwards that session's turns to the external channel, and routes replies
// and confirmations back into the client.
package mirror

import (
	"context"

	"pocketmirror/internal/cdp"
	"pocketmirror/internal/chat"
	"pocketmirror/internal/telegram"
)

// InstanceConn is the per-window connection surface the engine drives. One
// implementation exists over CDP; tests substitute fakes.
type InstanceConn interface {
	ListConversations(ctx context.Context) ([]chat.ConversationInfo, error)
	LatestTurn(ctx context.Context) (chat.Snapshot, error)
	CheckFocus(ctx context.Context) (chat.ConversationInfo, bool, error)
	InstallTabObserver(ctx context.Context) error
	PollTabObserver(ctx context.Context) (chat.ConversationInfo, bool, error)
	ActiveEditorChat(ctx context.Context) (chat.ConversationInfo, bool, error)
	IsGenerating(ctx context.Context) (bool, error)
	SwitchConversation(ctx context.Context, id string) (string, error)
	SendText(ctx context.Context, text string) error
	SendImage(ctx context.Context, data []byte, mime, filename, caption string) error
	ClickLocator(ctx context.Context, selector string) error
	BringToFront(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
	ScreenshotElement(ctx context.Context, selector string) ([]byte, bool, error)
	Detach()
}

// Discovery enumerates client instances and opens connections to them.
type Discovery interface {
	Reconnect(ctx context.Context) error
	ListInstances(ctx context.Context) ([]chat.InstanceInfo, error)
	Attach(ctx context.Context, info chat.InstanceInfo) (InstanceConn, error)
}

// Messenger is the outbound surface of the external channel used by the
// forwarder and the notifiers.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard telegram.InlineKeyboard) error
	SendThinking(ctx context.Context, chatID int64, text string, limit int) error
	SendPhoto(ctx context.Context, chatID int64, photo []byte, filename, caption string, keyboard telegram.InlineKeyboard) error
	Typing(ctx context.Context, chatID int64)
}

// Transcriber converts a voice note to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mime string) (string, error)
}

type cdpDiscovery struct {
	client *cdp.Client
}

// NewCDPDiscovery adapts the CDP client to the Discovery port.
func NewCDPDiscovery(c *cdp.Client) Discovery {
	return &cdpDiscovery{client: c}
}

func (d *cdpDiscovery) Reconnect(ctx context.Context) error {
	return d.client.Connect(ctx)
}

func (d *cdpDiscovery) ListInstances(ctx context.Context) ([]chat.InstanceInfo, error) {
	return d.client.ListInstances(ctx)
}

func (d *cdpDiscovery) Attach(ctx context.Context, info chat.InstanceInfo) (InstanceConn, error) {
	return d.client.Attach(ctx, info)
}
