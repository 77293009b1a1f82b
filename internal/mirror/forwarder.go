package mirror

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"pocketmirror/internal/chat"
	"pocketmirror/internal/logging"
	"pocketmirror/internal/telegram"
)

// Forwarder streams the mirrored session's latest turn to the external
// channel: in snapshot order, at most once per section, and only after a
// section has stopped changing for the stability threshold. All of its
// per-turn state is owned by the monitor loop alone; only the registry
// accesses below take the shared lock.
type Forwarder struct {
	reg    *Registry
	out    Messenger
	chatID func() int64
	muted  func() bool

	stability     int
	thinkingLimit int

	// Per-session forwarding state, discarded wholesale on switch or new turn.
	session     chat.SessionRef
	initialized bool
	turnID      string
	forwarded   map[string]bool
	prevText    map[string]string
	stableTicks map[string]int
}

func NewForwarder(reg *Registry, out Messenger, chatID func() int64, muted func() bool, stability, thinkingLimit int) *Forwarder {
	return &Forwarder{
		reg:           reg,
		out:           out,
		chatID:        chatID,
		muted:         muted,
		stability:     stability,
		thinkingLimit: thinkingLimit,
	}
}

func (f *Forwarder) reset(session chat.SessionRef) {
	f.session = session
	f.initialized = false
	f.turnID = ""
	f.forwarded = make(map[string]bool)
	f.prevText = make(map[string]string)
	f.stableTicks = make(map[string]int)
}

// Tick runs one monitor iteration. Transient failures abort the tick with
// state unchanged; the next tick retries.
func (f *Forwarder) Tick(ctx context.Context) {
	session, _, conn, ok := f.reg.MirroredConn()
	if !ok {
		return
	}
	if session != f.session {
		f.reset(session)
	}

	snap, err := conn.LatestTurn(ctx)
	if err != nil {
		logging.Monitor("snapshot failed: %v", err)
		return
	}

	chatID := f.chatID()
	muted := f.muted()

	if generating, err := conn.IsGenerating(ctx); err == nil && generating && !muted && chatID != 0 {
		f.out.Typing(ctx, chatID)
	}

	if !f.initialized {
		// First sight of this session: adopt the current turn without
		// replaying anything already on screen.
		f.turnID = snap.TurnID
		for _, sec := range snap.Sections {
			f.forwarded[sec.ID] = true
		}
		f.initialized = true
		logging.Monitor("synced to %s, turn %q, %d sections skipped", session.ConversationID, snap.TurnID, len(snap.Sections))
		return
	}

	if snap.TurnID != f.turnID {
		f.onNewTurn(ctx, conn, session, snap, chatID, muted)
		return
	}

	f.walkSections(ctx, conn, snap.Sections, chatID, muted)
}

// onNewTurn handles the turn id changing under a synced session: a new
// user/assistant exchange began. The engine's own outbound sends come back
// around as new turns too; those are recognized and not echoed.
func (f *Forwarder) onNewTurn(ctx context.Context, conn InstanceConn, session chat.SessionRef, snap chat.Snapshot, chatID int64, muted bool) {
	prevTurn := f.turnID
	f.turnID = snap.TurnID
	f.forwarded = make(map[string]bool)
	f.prevText = make(map[string]string)
	f.stableTicks = make(map[string]int)

	echo := f.reg.IsOutboundEcho(session, snap.UserText)
	logging.Monitor("new turn %q (was %q), echo=%v", snap.TurnID, prevTurn, echo)

	if muted || chatID == 0 || echo {
		return
	}
	if snap.UserText != "" {
		if err := f.out.SendMessage(ctx, chatID, "[PC] "+snap.UserText); err != nil {
			logging.Monitor("send user turn: %v", err)
		}
	}
	for _, att := range snap.Attachments {
		data, ok := decodeDataURL(att)
		if !ok {
			continue
		}
		if err := f.out.SendPhoto(ctx, chatID, data, "attachment.png", "[PC] attached image", telegram.InlineKeyboard{}); err != nil {
			logging.Monitor("send attachment: %v", err)
		}
	}
}

// walkSections forwards stable unforwarded sections in order. The walk stops
// at the first unstable section so nothing later ever jumps the queue.
func (f *Forwarder) walkSections(ctx context.Context, conn InstanceConn, sections []chat.Section, chatID int64, muted bool) {
	for _, sec := range sections {
		if f.forwarded[sec.ID] {
			continue
		}

		prev, seen := f.prevText[sec.ID]
		if !seen || prev != sec.Text {
			f.prevText[sec.ID] = sec.Text
			f.stableTicks[sec.ID] = 0
			return
		}
		f.stableTicks[sec.ID]++
		if f.stableTicks[sec.ID] < f.stability {
			return
		}

		if sec.Kind == chat.KindThinking && sec.Text == "" {
			// The snapshot emits an empty thinking block to hold its order
			// slot while the content is still loading. Keep waiting.
			return
		}

		f.deliver(ctx, conn, sec, chatID, muted)
		f.forwarded[sec.ID] = true
		delete(f.prevText, sec.ID)
		delete(f.stableTicks, sec.ID)
	}
}

// deliver sends one stable section. While muted only the confirmation
// registration happens; the state machine advanced regardless, so unmuting
// never floods stale content.
func (f *Forwarder) deliver(ctx context.Context, conn InstanceConn, sec chat.Section, chatID int64, muted bool) {
	if sec.Kind == chat.KindConfirmation {
		f.reg.RegisterConfirmation(PendingConfirmation{
			ID:      sec.ID,
			Session: f.session,
			Text:    sec.Text,
			Actions: sec.Actions,
		})
	}

	if muted || chatID == 0 {
		return
	}

	switch sec.Kind {
	case chat.KindThinking:
		if err := f.out.SendThinking(ctx, chatID, sec.Text, f.thinkingLimit); err != nil {
			logging.Monitor("send thinking: %v", err)
		}

	case chat.KindConfirmation:
		keyboard := confirmationKeyboard(sec)
		caption := "⚠️ " + sec.Text
		if img, ok := f.render(ctx, conn, sec); ok {
			if err := f.out.SendPhoto(ctx, chatID, img, "confirm.png", caption, keyboard); err != nil {
				logging.Monitor("send confirmation photo: %v", err)
			}
			return
		}
		if err := f.out.SendMessageWithKeyboard(ctx, chatID, caption, keyboard); err != nil {
			logging.Monitor("send confirmation: %v", err)
		}

	case chat.KindTable, chat.KindCodeBlock, chat.KindFileEdit:
		if img, ok := f.render(ctx, conn, sec); ok {
			if err := f.out.SendPhoto(ctx, chatID, img, "section.png", captionFor(sec), telegram.InlineKeyboard{}); err != nil {
				logging.Monitor("send rendered section: %v", err)
			}
			return
		}
		f.sendText(ctx, chatID, sec.Text)

	default:
		f.sendText(ctx, chatID, sec.Text)
	}
}

func (f *Forwarder) sendText(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := f.out.SendMessage(ctx, chatID, text); err != nil {
		logging.Monitor("send section: %v", err)
	}
}

// render fetches an image representation for a section via its locator.
// Any failure falls back to text.
func (f *Forwarder) render(ctx context.Context, conn InstanceConn, sec chat.Section) ([]byte, bool) {
	if sec.Locator == "" {
		return nil, false
	}
	img, ok, err := conn.ScreenshotElement(ctx, sec.Locator)
	if err != nil {
		logging.Monitor("render %s: %v", sec.Locator, err)
		return nil, false
	}
	return img, ok
}

func captionFor(sec chat.Section) string {
	switch sec.Kind {
	case chat.KindFileEdit:
		return "📝 " + firstLine(sec.Text)
	case chat.KindCodeBlock:
		return ""
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// confirmationKeyboard builds one button row from a section's advertised
// actions; callback data carries the action index and request id.
func confirmationKeyboard(sec chat.Section) telegram.InlineKeyboard {
	var buttons []telegram.InlineKeyboardButton
	for idx, a := range sec.Actions {
		label := a.Label
		if label == "" {
			label = fmt.Sprintf("Option %d", idx+1)
		}
		buttons = append(buttons, telegram.Button(label, fmt.Sprintf("act:%d:%s", idx, sec.ID)))
	}
	return telegram.InlineKeyboard{telegram.Row(buttons...)}
}

// decodeDataURL extracts raw bytes from a data: URL image attachment.
func decodeDataURL(u string) ([]byte, bool) {
	if !strings.HasPrefix(u, "data:") {
		return nil, false
	}
	i := strings.Index(u, "base64,")
	if i < 0 {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(u[i+len("base64,"):])
	if err != nil {
		return nil, false
	}
	return data, true
}
