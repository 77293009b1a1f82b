package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pocketmirror/internal/chat"
	"pocketmirror/internal/state"
	"pocketmirror/internal/telegram"
)

// botRecorder fakes the Bot API endpoint, capturing calls per method.
type botRecorder struct {
	mu    sync.Mutex
	calls []botCall
}

type botCall struct {
	method string
	params map[string]interface{}
}

func (r *botRecorder) byMethod(method string) []botCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []botCall
	for _, c := range r.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newBotServer(t *testing.T, rec *botRecorder, results map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/file/") {
			_, _ = w.Write([]byte("raw file bytes"))
			return
		}
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		var params map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&params)
		rec.mu.Lock()
		rec.calls = append(rec.calls, botCall{method: method, params: params})
		rec.mu.Unlock()
		result, ok := results[method]
		if !ok {
			result = "true"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type inboundFixture struct {
	in    *Inbound
	reg   *Registry
	store *state.Store
	conn  *fakeConn
	rec   *botRecorder
}

func newInboundFixture(t *testing.T) *inboundFixture {
	return newInboundFixtureResults(t, nil)
}

func newInboundFixtureResults(t *testing.T, results map[string]string) *inboundFixture {
	t.Helper()
	rec := &botRecorder{}
	srv := newBotServer(t, rec, results)
	tg := telegram.New("test-token", srv.URL, 5*time.Second)

	store, err := state.New(t.TempDir())
	require.NoError(t, err)

	reg := NewRegistry()
	conn := &fakeConn{}
	reg.AddInstance(chat.InstanceInfo{ID: "i1", Label: "proj"}, conn)
	reg.ApplyScan("i1", []chat.ConversationInfo{
		{ID: "c1", Name: "alpha", Active: true},
		{ID: "c2", Name: "beta"},
	})
	reg.SetMirrored(chat.SessionRef{InstanceID: "i1", ConversationID: "c1"}, "alpha")

	sel := NewSelector(reg, store, func(string) {}, time.Hour)
	in := NewInbound(reg, tg, store, NewConfirmRouter(reg), sel, nil)
	in.now = func() time.Time { return time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC) }
	return &inboundFixture{in: in, reg: reg, store: store, conn: conn, rec: rec}
}

func ownerMessage(text string) *telegram.Message {
	return &telegram.Message{
		From: &telegram.User{ID: 42},
		Chat: telegram.Chat{ID: 7},
		Text: text,
	}
}

func TestInboundFirstSenderPairs(t *testing.T) {
	f := newInboundFixture(t)

	f.in.handleMessage(context.Background(), ownerMessage("/start"))

	require.EqualValues(t, 42, f.store.LoadOwnerID())
	require.EqualValues(t, 7, f.store.LoadChatID())
	sends := f.rec.byMethod("sendMessage")
	require.NotEmpty(t, sends)
	require.Contains(t, sends[0].params["text"], "Paired")
}

func TestInboundIgnoresNonOwner(t *testing.T) {
	f := newInboundFixture(t)
	require.NoError(t, f.store.SaveOwnerID(42))

	f.in.handleMessage(context.Background(), &telegram.Message{
		From: &telegram.User{ID: 99},
		Chat: telegram.Chat{ID: 8},
		Text: "let me in",
	})

	require.Empty(t, f.rec.byMethod("sendMessage"))
	require.Empty(t, f.conn.sentTexts)
}

func TestInboundRelayTagsAndRecordsEcho(t *testing.T) {
	f := newInboundFixture(t)
	require.NoError(t, f.store.SaveOwnerID(42))

	f.in.handleMessage(context.Background(), ownerMessage("deploy it"))

	require.Equal(t, []string{"[Mon 2026-08-24 12:30] [Phone] deploy it"}, f.conn.sentTexts)
	session := chat.SessionRef{InstanceID: "i1", ConversationID: "c1"}
	require.True(t, f.reg.IsOutboundEcho(session, "[Mon 2026-08-24 12:30] [Phone] deploy it"),
		"relayed text must be recorded before it comes back as a turn")
}

func TestInboundRelayWithoutMirrorWarns(t *testing.T) {
	f := newInboundFixture(t)
	require.NoError(t, f.store.SaveOwnerID(42))
	f.reg.SetMirrored(chat.SessionRef{}, "")

	f.in.handleMessage(context.Background(), ownerMessage("deploy it"))

	require.Empty(t, f.conn.sentTexts)
	sends := f.rec.byMethod("sendMessage")
	require.NotEmpty(t, sends)
	require.Contains(t, sends[0].params["text"], "No conversation")
}

func TestInboundCaptionlessPhotoRecordsEchoSentinel(t *testing.T) {
	f := newInboundFixtureResults(t, map[string]string{
		"getFile": `{"file_id":"p1","file_path":"photos/p1.jpg"}`,
	})
	require.NoError(t, f.store.SaveOwnerID(42))

	f.in.handleMessage(context.Background(), &telegram.Message{
		From:  &telegram.User{ID: 42},
		Chat:  telegram.Chat{ID: 7},
		Photo: []telegram.PhotoSize{{FileID: "p1", Width: 640, Height: 480}},
	})

	require.Len(t, f.conn.sentImages, 1)
	session := chat.SessionRef{InstanceID: "i1", ConversationID: "c1"}
	require.True(t, f.reg.IsOutboundEcho(session, "whatever the client renders for the attachment"),
		"the turn a bare photo produces must not mirror back")
}

func TestInboundPauseAndPlay(t *testing.T) {
	f := newInboundFixture(t)
	require.NoError(t, f.store.SaveOwnerID(42))

	f.in.handleMessage(context.Background(), ownerMessage("/pause"))
	require.True(t, f.store.Muted())

	f.in.handleMessage(context.Background(), ownerMessage("/play"))
	require.False(t, f.store.Muted())
}

func TestInboundChatPickerMarksMirrored(t *testing.T) {
	f := newInboundFixture(t)
	require.NoError(t, f.store.SaveOwnerID(42))

	f.in.handleMessage(context.Background(), ownerMessage("/chats"))

	sends := f.rec.byMethod("sendMessage")
	require.Len(t, sends, 1)
	raw, err := json.Marshal(sends[0].params["reply_markup"])
	require.NoError(t, err)
	var kb struct {
		InlineKeyboard [][]telegram.InlineKeyboardButton `json:"inline_keyboard"`
	}
	require.NoError(t, json.Unmarshal(raw, &kb))
	require.Len(t, kb.InlineKeyboard, 2)
	require.Equal(t, "🔀 proj: alpha", kb.InlineKeyboard[0][0].Text)
	require.Equal(t, "chat:i1:c1", kb.InlineKeyboard[0][0].CallbackData)
	require.Equal(t, "chat:i1:c2", kb.InlineKeyboard[1][0].CallbackData)
}

func TestInboundActionCallbackClicksOnce(t *testing.T) {
	f := newInboundFixture(t)
	require.NoError(t, f.store.SaveOwnerID(42))
	f.reg.RegisterConfirmation(PendingConfirmation{
		ID:      "sec-1",
		Session: chat.SessionRef{InstanceID: "i1", ConversationID: "c1"},
		Text:    "Run the command?",
		Actions: []chat.Action{{Label: "Accept", Locator: "#accept"}},
	})

	cb := &telegram.CallbackQuery{ID: "q1", From: &telegram.User{ID: 42}, Data: "act:0:sec-1"}
	f.in.handleCallback(context.Background(), cb)
	require.Equal(t, []string{"#accept"}, f.conn.clicked)
	answers := f.rec.byMethod("answerCallbackQuery")
	require.Len(t, answers, 1)
	require.Contains(t, answers[0].params["text"], "Accept")

	// A second press of the same button finds nothing to consume.
	f.in.handleCallback(context.Background(), cb)
	require.Equal(t, []string{"#accept"}, f.conn.clicked)
	answers = f.rec.byMethod("answerCallbackQuery")
	require.Len(t, answers, 2)
	require.Contains(t, answers[1].params["text"], "Expired")
}

func TestInboundSwitchCallback(t *testing.T) {
	f := newInboundFixture(t)
	require.NoError(t, f.store.SaveOwnerID(42))
	f.conn.switchName = "beta"

	f.in.handleCallback(context.Background(), &telegram.CallbackQuery{
		ID: "q1", From: &telegram.User{ID: 42}, Data: "chat:i1:c2",
	})

	require.Equal(t, []string{"c2"}, f.conn.switched)
	require.NotZero(t, f.conn.fronted)
	ref, name := f.reg.Mirrored()
	require.Equal(t, chat.SessionRef{InstanceID: "i1", ConversationID: "c2"}, ref)
	require.Equal(t, "beta", name)
}
