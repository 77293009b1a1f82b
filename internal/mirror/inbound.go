package mirror

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pocketmirror/internal/logging"
	"pocketmirror/internal/state"
	"pocketmirror/internal/telegram"
)

// Inbound runs the external-channel consumer: long-polls updates, pairs the
// owner on first contact, and relays text, voice, photos, commands, and
// button presses into the client.
type Inbound struct {
	reg    *Registry
	tg     *telegram.Client
	store  *state.Store
	router *ConfirmRouter
	sel    *Selector

	// transcriber is nil when no speech API key is configured.
	transcriber Transcriber

	offset int64
	now    func() time.Time
}

func NewInbound(reg *Registry, tg *telegram.Client, store *state.Store, router *ConfirmRouter, sel *Selector, transcriber Transcriber) *Inbound {
	return &Inbound{
		reg:         reg,
		tg:          tg,
		store:       store,
		router:      router,
		sel:         sel,
		transcriber: transcriber,
		now:         time.Now,
	}
}

// Run drains the backlog, then long-polls until ctx is cancelled. Poll
// failures back off briefly and retry; they never end the loop.
func (in *Inbound) Run(ctx context.Context) error {
	offset, dropped, err := in.tg.Drain(ctx)
	if err != nil {
		logging.Inbound("drain failed: %v", err)
	} else {
		in.offset = offset
		if dropped > 0 {
			logging.Inbound("dropped %d stale updates", dropped)
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := in.tg.GetUpdates(ctx, in.offset, 25)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Inbound("poll failed: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= in.offset {
				in.offset = u.UpdateID + 1
			}
			in.handleUpdate(ctx, u)
		}
	}
}

func (in *Inbound) handleUpdate(ctx context.Context, u telegram.Update) {
	switch {
	case u.CallbackQuery != nil:
		in.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		in.handleMessage(ctx, u.Message)
	}
}

func (in *Inbound) handleMessage(ctx context.Context, msg *telegram.Message) {
	if msg.From == nil {
		return
	}

	owner := in.store.LoadOwnerID()
	if owner == 0 {
		// First contact claims ownership.
		if err := in.store.SaveOwnerID(msg.From.ID); err != nil {
			logging.Inbound("save owner: %v", err)
		}
		if err := in.store.SaveChatID(msg.Chat.ID); err != nil {
			logging.Inbound("save chat id: %v", err)
		}
		logging.Inbound("paired with user %d", msg.From.ID)
		in.reply(ctx, msg.Chat.ID, "🔗 Paired. This chat now mirrors your IDE conversations.")
		if strings.HasPrefix(msg.Text, "/") {
			return
		}
	} else if msg.From.ID != owner {
		logging.Inbound("ignoring message from non-owner %d", msg.From.ID)
		return
	}

	if in.store.LoadChatID() != msg.Chat.ID {
		if err := in.store.SaveChatID(msg.Chat.ID); err != nil {
			logging.Inbound("save chat id: %v", err)
		}
	}

	switch {
	case strings.HasPrefix(msg.Text, "/"):
		in.handleCommand(ctx, msg)
	case msg.Voice != nil:
		in.handleVoice(ctx, msg)
	case len(msg.Photo) > 0:
		in.handlePhoto(ctx, msg)
	case msg.Text != "":
		in.relayText(ctx, msg.Chat.ID, msg.Text)
	}
}

func (in *Inbound) handleCommand(ctx context.Context, msg *telegram.Message) {
	cmd := msg.Text
	if i := strings.IndexAny(cmd, " @"); i > 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start":
		in.reply(ctx, msg.Chat.ID, "Mirroring is live. Send text to type into the active IDE chat; /chats to switch.")
	case "/pause":
		if err := in.store.SetMuted(true); err != nil {
			logging.Inbound("set muted: %v", err)
		}
		in.reply(ctx, msg.Chat.ID, "⏸ Mirroring paused. /play to resume.")
	case "/play":
		if err := in.store.SetMuted(false); err != nil {
			logging.Inbound("set muted: %v", err)
		}
		if ref, name := in.reg.Mirrored(); !ref.IsZero() {
			in.reply(ctx, msg.Chat.ID, "▶️ Mirroring resumed: "+nameOr(name, "(unnamed)"))
		} else {
			in.reply(ctx, msg.Chat.ID, "▶️ Mirroring resumed.")
		}
	case "/chats":
		in.sendChatPicker(ctx, msg.Chat.ID)
	case "/status":
		in.sendStatus(ctx, msg.Chat.ID)
	case "/screenshot":
		in.sendScreenshot(ctx, msg.Chat.ID)
	case "/unpair":
		if err := in.store.ClearOwnerID(); err != nil {
			logging.Inbound("clear owner: %v", err)
		}
		in.reply(ctx, msg.Chat.ID, "🔓 Unpaired. The next person to message me becomes the owner.")
	default:
		in.reply(ctx, msg.Chat.ID, "Unknown command. Try /chats, /screenshot, /pause, /play, /status, /unpair.")
	}
}

// relayText types a message into the mirrored conversation, tagged so the
// IDE side can tell remote input apart, and records it for echo suppression
// before the send so the very next snapshot already recognizes it.
func (in *Inbound) relayText(ctx context.Context, chatID int64, text string) {
	session, _, conn, ok := in.reg.MirroredConn()
	if !ok {
		in.reply(ctx, chatID, "⚠️ No conversation is mirrored right now.")
		return
	}
	tagged := in.tagOutbound(text)
	in.reg.RecordOutbound(session, tagged)
	if err := conn.SendText(ctx, tagged); err != nil {
		logging.Inbound("relay text: %v", err)
		in.reply(ctx, chatID, "⚠️ Could not deliver: "+err.Error())
		return
	}
	logging.Inbound("relayed %d chars into %s", len(text), session.ConversationID)
}

// tagOutbound prepends the timestamp and origin marker. The day name lets
// the assistant resolve relative dates in the message.
func (in *Inbound) tagOutbound(text string) string {
	return fmt.Sprintf("[%s] [Phone] %s", in.now().Format("Mon 2006-01-02 15:04"), text)
}

func (in *Inbound) handleVoice(ctx context.Context, msg *telegram.Message) {
	if in.transcriber == nil {
		in.reply(ctx, msg.Chat.ID, "⚠️ Voice notes need a transcription API key; none is configured.")
		return
	}
	data, mime, err := in.tg.DownloadFile(ctx, msg.Voice.FileID)
	if err != nil {
		logging.Inbound("download voice: %v", err)
		in.reply(ctx, msg.Chat.ID, "⚠️ Could not download the voice note.")
		return
	}
	if mime == "" {
		mime = msg.Voice.MimeType
	}
	text, err := in.transcriber.Transcribe(ctx, data, mime)
	if err != nil {
		logging.Inbound("transcribe: %v", err)
		in.reply(ctx, msg.Chat.ID, "⚠️ Transcription failed: "+err.Error())
		return
	}
	in.reply(ctx, msg.Chat.ID, "🎙 "+text)
	in.relayText(ctx, msg.Chat.ID, text)
}

func (in *Inbound) handlePhoto(ctx context.Context, msg *telegram.Message) {
	session, _, conn, ok := in.reg.MirroredConn()
	if !ok {
		in.reply(ctx, msg.Chat.ID, "⚠️ No conversation is mirrored right now.")
		return
	}
	largest := msg.Photo[len(msg.Photo)-1]
	data, _, err := in.tg.DownloadFile(ctx, largest.FileID)
	if err != nil {
		logging.Inbound("download photo: %v", err)
		in.reply(ctx, msg.Chat.ID, "⚠️ Could not download the photo.")
		return
	}
	caption := ""
	if msg.Caption != "" {
		caption = in.tagOutbound(msg.Caption)
		in.reg.RecordOutbound(session, caption)
	} else {
		in.reg.RecordOutbound(session, photoSentinel)
	}
	if err := conn.SendImage(ctx, data, "image/jpeg", "photo.jpg", caption); err != nil {
		logging.Inbound("relay photo: %v", err)
		in.reply(ctx, msg.Chat.ID, "⚠️ Could not paste the photo.")
		return
	}
	logging.Inbound("relayed photo into %s", session.ConversationID)
}

// sendChatPicker lists every known conversation as one button per row.
func (in *Inbound) sendChatPicker(ctx context.Context, chatID int64) {
	mirrored, _ := in.reg.Mirrored()
	var keyboard telegram.InlineKeyboard
	for _, inst := range in.reg.Instances() {
		label := in.reg.InstanceLabel(inst.ID)
		for _, c := range in.reg.Conversations(inst.ID) {
			text := fmt.Sprintf("%s: %s", label, nameOr(c.Name, "(unnamed)"))
			if mirrored.InstanceID == inst.ID && mirrored.ConversationID == c.ID {
				text = "🔀 " + text
			}
			keyboard = append(keyboard, telegram.Row(
				telegram.Button(text, fmt.Sprintf("chat:%s:%s", inst.ID, c.ID)),
			))
		}
	}
	if len(keyboard) == 0 {
		in.reply(ctx, chatID, "No conversations found yet.")
		return
	}
	if err := in.tg.SendMessageWithKeyboard(ctx, chatID, "Pick a chat to mirror:", keyboard); err != nil {
		logging.Inbound("send chat picker: %v", err)
	}
}

func (in *Inbound) sendStatus(ctx context.Context, chatID int64) {
	ref, name := in.reg.Mirrored()
	var b strings.Builder
	if ref.IsZero() {
		b.WriteString("Mirroring: nothing\n")
	} else {
		fmt.Fprintf(&b, "Mirroring: %s (%s)\n", nameOr(name, "(unnamed)"), in.reg.InstanceLabel(ref.InstanceID))
	}
	if in.store.Muted() {
		b.WriteString("State: paused\n")
	} else {
		b.WriteString("State: live\n")
	}
	fmt.Fprintf(&b, "Windows: %d, pending confirmations: %d", len(in.reg.Instances()), in.reg.PendingCount())
	in.reply(ctx, chatID, b.String())
}

func (in *Inbound) sendScreenshot(ctx context.Context, chatID int64) {
	ref, name, conn, ok := in.reg.MirroredConn()
	if !ok {
		in.reply(ctx, chatID, "⚠️ No conversation is mirrored right now.")
		return
	}
	if err := conn.BringToFront(ctx); err != nil {
		logging.Inbound("bring to front: %v", err)
	}
	img, err := conn.Screenshot(ctx)
	if err != nil {
		logging.Inbound("screenshot: %v", err)
		in.reply(ctx, chatID, "⚠️ Screenshot failed: "+err.Error())
		return
	}
	caption := fmt.Sprintf("📸 %s", nameOr(name, in.reg.InstanceLabel(ref.InstanceID)))
	if err := in.tg.SendPhoto(ctx, chatID, img, "screen.png", caption, nil); err != nil {
		logging.Inbound("send screenshot: %v", err)
	}
}

func (in *Inbound) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if cb.From == nil {
		return
	}
	owner := in.store.LoadOwnerID()
	if owner != 0 && cb.From.ID != owner {
		_ = in.tg.AnswerCallback(ctx, cb.ID, "Not paired with you.")
		return
	}

	switch {
	case strings.HasPrefix(cb.Data, "act:"):
		in.handleActionCallback(ctx, cb)
	case strings.HasPrefix(cb.Data, "chat:"):
		in.handleSwitchCallback(ctx, cb)
	default:
		_ = in.tg.AnswerCallback(ctx, cb.ID, "")
	}
}

func (in *Inbound) handleActionCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	parts := strings.SplitN(cb.Data, ":", 3)
	if len(parts) != 3 {
		_ = in.tg.AnswerCallback(ctx, cb.ID, "Malformed action.")
		return
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		_ = in.tg.AnswerCallback(ctx, cb.ID, "Malformed action.")
		return
	}

	label, outcome, err := in.router.OnReply(ctx, parts[2], idx)
	switch {
	case outcome == ReplyExpired:
		_ = in.tg.AnswerCallback(ctx, cb.ID, "⌛ Expired.")
	case err != nil:
		_ = in.tg.AnswerCallback(ctx, cb.ID, "⚠️ Failed: "+err.Error())
	default:
		_ = in.tg.AnswerCallback(ctx, cb.ID, "✅ "+label)
	}
}

func (in *Inbound) handleSwitchCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	parts := strings.SplitN(cb.Data, ":", 3)
	if len(parts) != 3 {
		_ = in.tg.AnswerCallback(ctx, cb.ID, "Malformed target.")
		return
	}
	instanceID, convID := parts[1], parts[2]

	conn, ok := in.reg.InstanceConn(instanceID)
	if !ok {
		_ = in.tg.AnswerCallback(ctx, cb.ID, "⌛ That window is gone.")
		return
	}
	name, err := conn.SwitchConversation(ctx, convID)
	if err != nil {
		logging.Inbound("switch conversation: %v", err)
		_ = in.tg.AnswerCallback(ctx, cb.ID, "⌛ That chat is gone.")
		return
	}
	if err := conn.BringToFront(ctx); err != nil {
		logging.Inbound("bring to front: %v", err)
	}
	in.sel.OnSignal(instanceID, convID, name)
	_ = in.tg.AnswerCallback(ctx, cb.ID, "🔀 "+nameOr(name, "switched"))
}

func (in *Inbound) reply(ctx context.Context, chatID int64, text string) {
	if err := in.tg.SendMessage(ctx, chatID, text); err != nil {
		logging.Inbound("reply: %v", err)
	}
}
