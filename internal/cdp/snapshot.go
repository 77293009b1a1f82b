package cdp

import (
	"context"
	"fmt"

	"pocketmirror/internal/chat"
)

// ListConversations enumerates the chat tabs open in this window. Ids are
// stamped into the DOM on first sight and stay stable while the tab element
// lives; only the active conversation carries a fingerprint.
func (i *Instance) ListConversations(ctx context.Context) ([]chat.ConversationInfo, error) {
	var convs []chat.ConversationInfo
	if _, err := i.evalJSON(ctx, &convs, jsListConversations); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// LatestTurn snapshots the most recent user/assistant exchange in the active
// conversation. Section kinds are normalized; unknown kinds read as text.
func (i *Instance) LatestTurn(ctx context.Context) (chat.Snapshot, error) {
	var snap chat.Snapshot
	if _, err := i.evalJSON(ctx, &snap, jsLatestTurn); err != nil {
		return chat.Snapshot{}, fmt.Errorf("latest turn: %w", err)
	}
	for idx := range snap.Sections {
		snap.Sections[idx].Kind = chat.ParseSectionKind(string(snap.Sections[idx].Kind))
	}
	return snap, nil
}

// CheckFocus reports the conversation whose input editor holds OS focus.
// ok is false when this window is not foreground or no chat input is focused.
func (i *Instance) CheckFocus(ctx context.Context) (chat.ConversationInfo, bool, error) {
	var info chat.ConversationInfo
	ok, err := i.evalJSON(ctx, &info, jsCheckFocus)
	return info, ok, err
}

// InstallTabObserver plants the in-page observer that records tab
// activations between polls. Idempotent; reinstall after a window reload.
func (i *Instance) InstallTabObserver(ctx context.Context) error {
	_, err := i.evalString(ctx, jsInstallTabObserver)
	return err
}

// PollTabObserver drains the observer's latest recorded activation.
func (i *Instance) PollTabObserver(ctx context.Context) (chat.ConversationInfo, bool, error) {
	var raw struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	ok, err := i.evalJSON(ctx, &raw, jsPollTabObserver)
	if !ok || err != nil {
		return chat.ConversationInfo{}, false, err
	}
	return chat.ConversationInfo{ID: raw.ID, Name: raw.Name, Active: true}, true, nil
}

// ActiveEditorChat reports a chat held in a non-inactive split editor group,
// covering activation paths the tab observer never sees.
func (i *Instance) ActiveEditorChat(ctx context.Context) (chat.ConversationInfo, bool, error) {
	var info chat.ConversationInfo
	ok, err := i.evalJSON(ctx, &info, jsActiveEditorChat)
	if ok {
		info.Active = true
	}
	return info, ok, err
}

// IsGenerating reports whether the assistant is still streaming a response.
func (i *Instance) IsGenerating(ctx context.Context) (bool, error) {
	res, err := i.eval(ctx, jsIsGenerating)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// SwitchConversation activates the tab with the given id and returns the
// name the UI shows for it.
func (i *Instance) SwitchConversation(ctx context.Context, id string) (string, error) {
	name, err := i.evalString(ctx, jsSwitchConversation, id)
	if err != nil {
		return "", fmt.Errorf("switch conversation %s: %w", id, err)
	}
	return name, nil
}
