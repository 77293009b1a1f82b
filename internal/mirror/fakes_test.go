package mirror

import (
	"context"
	"fmt"
	"sync"

	"pocketmirror/internal/chat"
	"pocketmirror/internal/telegram"
)

// fakeConn is a scriptable InstanceConn.
type fakeConn struct {
	mu sync.Mutex

	convs    []chat.ConversationInfo
	convsErr error
	snap     chat.Snapshot
	snapErr  error

	focus      chat.ConversationInfo
	focusOK    bool
	observed   chat.ConversationInfo
	observedOK bool
	editor     chat.ConversationInfo
	editorOK   bool

	generating bool
	switchName string
	switchErr  error
	screenshot []byte

	sentTexts  []string
	sentImages []string
	clicked    []string
	switched   []string
	fronted    int
	installed  int
	detached   bool
}

func (f *fakeConn) ListConversations(ctx context.Context) ([]chat.ConversationInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs, f.convsErr
}

func (f *fakeConn) LatestTurn(ctx context.Context) (chat.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.snapErr
}

func (f *fakeConn) setSnap(snap chat.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

func (f *fakeConn) CheckFocus(ctx context.Context) (chat.ConversationInfo, bool, error) {
	return f.focus, f.focusOK, nil
}

func (f *fakeConn) InstallTabObserver(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed++
	return nil
}

func (f *fakeConn) PollTabObserver(ctx context.Context) (chat.ConversationInfo, bool, error) {
	return f.observed, f.observedOK, nil
}

func (f *fakeConn) ActiveEditorChat(ctx context.Context) (chat.ConversationInfo, bool, error) {
	return f.editor, f.editorOK, nil
}

func (f *fakeConn) IsGenerating(ctx context.Context) (bool, error) {
	return f.generating, nil
}

func (f *fakeConn) SwitchConversation(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, id)
	return f.switchName, f.switchErr
}

func (f *fakeConn) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return nil
}

func (f *fakeConn) SendImage(ctx context.Context, data []byte, mime, filename, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentImages = append(f.sentImages, caption)
	return nil
}

func (f *fakeConn) ClickLocator(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicked = append(f.clicked, selector)
	return nil
}

func (f *fakeConn) BringToFront(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fronted++
	return nil
}

func (f *fakeConn) Screenshot(ctx context.Context) ([]byte, error) {
	if f.screenshot == nil {
		return nil, fmt.Errorf("no screenshot scripted")
	}
	return f.screenshot, nil
}

func (f *fakeConn) ScreenshotElement(ctx context.Context, selector string) ([]byte, bool, error) {
	return f.screenshot, f.screenshot != nil, nil
}

func (f *fakeConn) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
}

// fakeMessenger records outward sends.
type fakeMessenger struct {
	mu sync.Mutex

	messages  []string
	thinking  []string
	photos    []string // captions
	keyboards []telegram.InlineKeyboard
	typing    int
}

func (m *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, text)
	return nil
}

func (m *fakeMessenger) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, kb telegram.InlineKeyboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, text)
	m.keyboards = append(m.keyboards, kb)
	return nil
}

func (m *fakeMessenger) SendThinking(ctx context.Context, chatID int64, text string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thinking = append(m.thinking, text)
	return nil
}

func (m *fakeMessenger) SendPhoto(ctx context.Context, chatID int64, photo []byte, filename, caption string, kb telegram.InlineKeyboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photos = append(m.photos, caption)
	if len(kb) > 0 {
		m.keyboards = append(m.keyboards, kb)
	}
	return nil
}

func (m *fakeMessenger) Typing(ctx context.Context, chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing++
}

func (m *fakeMessenger) allSends() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []string
	all = append(all, m.messages...)
	all = append(all, m.thinking...)
	all = append(all, m.photos...)
	return all
}

// fakeDiscovery serves a scripted instance list.
type fakeDiscovery struct {
	mu        sync.Mutex
	instances []chat.InstanceInfo
	conns     map[string]*fakeConn
	listErr   error
	reconnect int
}

func (d *fakeDiscovery) Reconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnect++
	return nil
}

func (d *fakeDiscovery) ListInstances(ctx context.Context) ([]chat.InstanceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.instances, d.listErr
}

func (d *fakeDiscovery) Attach(ctx context.Context, info chat.InstanceInfo) (InstanceConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, ok := d.conns[info.ID]; ok {
		return conn, nil
	}
	return nil, fmt.Errorf("no conn scripted for %s", info.ID)
}
