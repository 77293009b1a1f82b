package mirror

import (
	"context"
	"strings"
	"testing"

	"pocketmirror/internal/chat"
)

// harness wires a forwarder over one fake instance with tick control.
type harness struct {
	reg   *Registry
	conn  *fakeConn
	out   *fakeMessenger
	fwd   *Forwarder
	muted bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:  NewRegistry(),
		conn: &fakeConn{},
		out:  &fakeMessenger{},
	}
	h.reg.AddInstance(chat.InstanceInfo{ID: "inst1", Title: "proj - Cursor", Label: "proj"}, h.conn)
	h.reg.SetMirrored(chat.SessionRef{InstanceID: "inst1", ConversationID: "c1"}, "alpha")
	h.fwd = NewForwarder(h.reg, h.out, func() int64 { return 42 }, func() bool { return h.muted }, 2, 3500)
	return h
}

func (h *harness) tick() { h.fwd.Tick(context.Background()) }

func snapshot(turnID string, sections ...chat.Section) chat.Snapshot {
	return chat.Snapshot{TurnID: turnID, Sections: sections}
}

func text(id, body string) chat.Section {
	return chat.Section{ID: id, Kind: chat.KindText, Text: body}
}

func TestForwarderInitialSyncSkipsHistory(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1", text("s1", "old content"), text("s2", "more old content")))

	for i := 0; i < 5; i++ {
		h.tick()
	}
	if sends := h.out.allSends(); len(sends) != 0 {
		t.Fatalf("history replayed: %v", sends)
	}
}

func TestForwarderStabilityGating(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick() // sync

	// Streaming: text changes every tick, must never forward.
	for i := 0; i < 4; i++ {
		h.conn.setSnap(snapshot("turn:1", text("s1", strings.Repeat("x", i+1))))
		h.tick()
	}
	if sends := h.out.allSends(); len(sends) != 0 {
		t.Fatalf("unstable section forwarded: %v", sends)
	}

	// Text settles: forwarded exactly stability (2) ticks later, not sooner.
	h.conn.setSnap(snapshot("turn:1", text("s1", "final")))
	h.tick() // observed changed, counter reset
	h.tick() // stable x1
	if len(h.out.allSends()) != 0 {
		t.Fatal("forwarded before stability threshold")
	}
	h.tick() // stable x2 -> forward
	sends := h.out.allSends()
	if len(sends) != 1 || sends[0] != "final" {
		t.Fatalf("sends = %v, want [final]", sends)
	}
}

func TestForwarderAtMostOnce(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick()

	h.conn.setSnap(snapshot("turn:1", text("s1", "stable")))
	for i := 0; i < 6; i++ {
		h.tick()
	}
	if sends := h.out.allSends(); len(sends) != 1 {
		t.Fatalf("section forwarded %d times: %v", len(sends), sends)
	}

	// Upstream edits after forwarding must not trigger a resend.
	h.conn.setSnap(snapshot("turn:1", text("s1", "stable but edited")))
	for i := 0; i < 4; i++ {
		h.tick()
	}
	if sends := h.out.allSends(); len(sends) != 1 {
		t.Fatalf("forwarded section re-sent: %v", sends)
	}
}

func TestForwarderOrderPreservation(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick()

	// s1 keeps streaming while s2 sits stable behind it; s2 must wait.
	for i := 0; i < 5; i++ {
		h.conn.setSnap(snapshot("turn:1",
			text("s1", strings.Repeat("a", i+1)),
			text("s2", "second, stable")))
		h.tick()
	}
	if sends := h.out.allSends(); len(sends) != 0 {
		t.Fatalf("later section jumped the queue: %v", sends)
	}

	// s1 settles; both forward in order.
	h.conn.setSnap(snapshot("turn:1", text("s1", "first, final"), text("s2", "second, stable")))
	for i := 0; i < 8; i++ {
		h.tick()
	}
	sends := h.out.allSends()
	if len(sends) != 2 || sends[0] != "first, final" || sends[1] != "second, stable" {
		t.Fatalf("sends = %v, want [first then second]", sends)
	}
}

func TestForwarderNewTurnForwardsUserText(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick()

	h.conn.setSnap(chat.Snapshot{TurnID: "turn:2", UserText: "typed in the IDE"})
	h.tick()
	sends := h.out.allSends()
	if len(sends) != 1 || sends[0] != "[PC] typed in the IDE" {
		t.Fatalf("sends = %v, want the user turn notice", sends)
	}
}

func TestForwarderNewTurnSuppressesOwnEcho(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick()

	session := chat.SessionRef{InstanceID: "inst1", ConversationID: "c1"}
	h.reg.RecordOutbound(session, "[Mon 2026-08-24 12:30] [Phone] hello from the phone")

	h.conn.setSnap(chat.Snapshot{TurnID: "turn:2", UserText: "[Mon 2026-08-24 12:30] [Phone] hello from the phone"})
	h.tick()
	if sends := h.out.allSends(); len(sends) != 0 {
		t.Fatalf("own outbound text echoed back: %v", sends)
	}

	// The new turn's response still forwards normally.
	h.conn.setSnap(snapshot("turn:2", text("r1", "reply")))
	for i := 0; i < 4; i++ {
		h.tick()
	}
	sends := h.out.allSends()
	if len(sends) != 1 || sends[0] != "reply" {
		t.Fatalf("sends = %v, want [reply]", sends)
	}
}

func TestForwarderMuteAdvancesWithoutSending(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick()

	h.muted = true
	h.conn.setSnap(snapshot("turn:1", text("s1", "said while muted")))
	for i := 0; i < 5; i++ {
		h.tick()
	}
	if sends := h.out.allSends(); len(sends) != 0 {
		t.Fatalf("sent while muted: %v", sends)
	}

	// Unmuting must not flood the content that stabilized during the mute.
	h.muted = false
	for i := 0; i < 5; i++ {
		h.tick()
	}
	if sends := h.out.allSends(); len(sends) != 0 {
		t.Fatalf("stale content flooded after unmute: %v", sends)
	}
}

func TestForwarderConfirmationRegisteredWhileMuted(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick()

	h.muted = true
	sec := chat.Section{
		ID:   "tool-1",
		Kind: chat.KindConfirmation,
		Text: "Run rm -rf build?",
		Actions: []chat.Action{
			{Label: "Run", Locator: "#bubble-1 .run"},
			{Label: "Skip", Locator: "#bubble-1 .skip"},
		},
	}
	h.conn.setSnap(snapshot("turn:1", sec))
	for i := 0; i < 4; i++ {
		h.tick()
	}

	if !h.reg.HasConfirmation("tool-1") {
		t.Fatal("confirmation not registered while muted")
	}
	if sends := h.out.allSends(); len(sends) != 0 {
		t.Fatalf("sent while muted: %v", sends)
	}
}

func TestForwarderConfirmationKeyboard(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick()

	sec := chat.Section{
		ID:      "tool-2",
		Kind:    chat.KindConfirmation,
		Text:    "Apply edit?",
		Actions: []chat.Action{{Label: "Accept", Locator: "#a"}, {Label: "Reject", Locator: "#r"}},
	}
	h.conn.setSnap(snapshot("turn:1", sec))
	for i := 0; i < 4; i++ {
		h.tick()
	}

	if !h.reg.HasConfirmation("tool-2") {
		t.Fatal("confirmation not registered")
	}
	if len(h.out.keyboards) != 1 {
		t.Fatalf("keyboards sent = %d, want 1", len(h.out.keyboards))
	}
	kb := h.out.keyboards[0]
	if len(kb) != 1 || len(kb[0]) != 2 {
		t.Fatalf("keyboard shape = %v", kb)
	}
	if kb[0][0].CallbackData != "act:0:tool-2" || kb[0][1].CallbackData != "act:1:tool-2" {
		t.Fatalf("callback data = %q, %q", kb[0][0].CallbackData, kb[0][1].CallbackData)
	}
}

func TestForwarderThinkingSection(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick()

	h.conn.setSnap(snapshot("turn:1", chat.Section{ID: "th1", Kind: chat.KindThinking, Text: "pondering"}))
	for i := 0; i < 4; i++ {
		h.tick()
	}
	if len(h.out.thinking) != 1 || h.out.thinking[0] != "pondering" {
		t.Fatalf("thinking sends = %v", h.out.thinking)
	}
	if len(h.out.messages) != 0 {
		t.Fatalf("thinking leaked into plain messages: %v", h.out.messages)
	}
}

func TestForwarderEmptyThinkingWaitsForContent(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick()

	// The placeholder stays empty well past the stability threshold.
	h.conn.setSnap(snapshot("turn:1",
		chat.Section{ID: "th1", Kind: chat.KindThinking},
		text("s1", "conclusion after the thinking"),
	))
	for i := 0; i < 4; i++ {
		h.tick()
	}
	if len(h.out.thinking) != 0 || len(h.out.messages) != 0 {
		t.Fatalf("empty placeholder forwarded: thinking=%v messages=%v", h.out.thinking, h.out.messages)
	}

	h.conn.setSnap(snapshot("turn:1",
		chat.Section{ID: "th1", Kind: chat.KindThinking, Text: "weighing the options"},
		text("s1", "conclusion after the thinking"),
	))
	for i := 0; i < 6; i++ {
		h.tick()
	}
	if len(h.out.thinking) != 1 || h.out.thinking[0] != "weighing the options" {
		t.Fatalf("loaded thinking never forwarded: %v", h.out.thinking)
	}
	if len(h.out.messages) != 1 || h.out.messages[0] != "conclusion after the thinking" {
		t.Fatalf("section after the placeholder out of order: %v", h.out.messages)
	}
}

func TestForwarderSwitchDiscardsState(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1", text("s1", "conversation one content")))
	h.tick() // synced to c1

	// Switch to another conversation mid-stream; its current content must be
	// adopted silently, not replayed.
	h.reg.SetMirrored(chat.SessionRef{InstanceID: "inst1", ConversationID: "c2"}, "beta")
	h.conn.setSnap(snapshot("turn:9", text("z1", "conversation two history")))
	for i := 0; i < 4; i++ {
		h.tick()
	}
	if sends := h.out.allSends(); len(sends) != 0 {
		t.Fatalf("switch replayed content: %v", sends)
	}

	// New material after the switch flows normally.
	h.conn.setSnap(snapshot("turn:9", text("z1", "conversation two history"), text("z2", "fresh")))
	for i := 0; i < 4; i++ {
		h.tick()
	}
	sends := h.out.allSends()
	if len(sends) != 1 || sends[0] != "fresh" {
		t.Fatalf("sends = %v, want [fresh]", sends)
	}
}

func TestForwarderRenderableFallsBackToText(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.tick()

	// No screenshot scripted: the table must arrive as text.
	h.conn.setSnap(snapshot("turn:1", chat.Section{
		ID: "tbl1", Kind: chat.KindTable, Text: "a | b", Locator: "#bubble-1 .table",
	}))
	for i := 0; i < 4; i++ {
		h.tick()
	}
	if len(h.out.messages) != 1 || h.out.messages[0] != "a | b" {
		t.Fatalf("messages = %v, want table text fallback", h.out.messages)
	}

	// With a screenshot available the next renderable goes out as a photo.
	h.conn.screenshot = []byte("png-bytes")
	h.conn.setSnap(snapshot("turn:1",
		chat.Section{ID: "tbl1", Kind: chat.KindTable, Text: "a | b", Locator: "#bubble-1 .table"},
		chat.Section{ID: "tbl2", Kind: chat.KindTable, Text: "c | d", Locator: "#bubble-2 .table"},
	))
	for i := 0; i < 4; i++ {
		h.tick()
	}
	if len(h.out.photos) != 1 {
		t.Fatalf("photos = %v, want one rendered table", h.out.photos)
	}
}

func TestForwarderTypingWhileGenerating(t *testing.T) {
	h := newHarness(t)
	h.conn.setSnap(snapshot("turn:1"))
	h.conn.generating = true
	h.tick()
	h.tick()
	if h.out.typing == 0 {
		t.Fatal("no typing indicator while generating")
	}

	h.muted = true
	before := h.out.typing
	h.tick()
	if h.out.typing != before {
		t.Fatal("typing indicator sent while muted")
	}
}
