package mirror

import (
	"context"
	"fmt"
	"time"

	"pocketmirror/internal/chat"
	"pocketmirror/internal/logging"
)

// Topology runs the discovery loop: full instance/conversation rescans on a
// slow interval, focus-signal polling on a fast one. All connection I/O
// happens outside the registry lock.
type Topology struct {
	reg    *Registry
	disc   Discovery
	sel    *Selector
	notify func(text string)

	focusEvery time.Duration
	scanEvery  time.Duration
}

func NewTopology(reg *Registry, disc Discovery, sel *Selector, notify func(string), focusEvery, scanEvery time.Duration) *Topology {
	return &Topology{
		reg:        reg,
		disc:       disc,
		sel:        sel,
		notify:     notify,
		focusEvery: focusEvery,
		scanEvery:  scanEvery,
	}
}

// Run drives the loop until ctx is cancelled. Each iteration is guarded so a
// failed tick never terminates the loop.
func (t *Topology) Run(ctx context.Context) error {
	scanRatio := int(t.scanEvery / t.focusEvery)
	if scanRatio < 1 {
		scanRatio = 1
	}

	ticker := time.NewTicker(t.focusEvery)
	defer ticker.Stop()

	iteration := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		t.sel.Poll()
		t.pollSignals(ctx)

		iteration++
		if iteration%scanRatio == 0 {
			t.Rescan(ctx)
		}
	}
}

// Rescan diffs discovered instances against the registry, connects added
// ones, closes removed ones, and refreshes every instance's conversation
// list. An enumeration failure leaves the registry untouched; transient
// outages must not produce false "window closed" reports.
func (t *Topology) Rescan(ctx context.Context) {
	listed, err := t.disc.ListInstances(ctx)
	if err != nil {
		logging.Topology("instance scan failed: %v", err)
		if rerr := t.disc.Reconnect(ctx); rerr != nil {
			logging.Topology("reconnect failed: %v", rerr)
		}
		return
	}

	known := make(map[string]bool)
	for _, id := range t.reg.InstanceIDs() {
		known[id] = true
	}

	listedIDs := make(map[string]bool, len(listed))
	for _, info := range listed {
		listedIDs[info.ID] = true
		if known[info.ID] {
			continue
		}
		conn, err := t.disc.Attach(ctx, info)
		if err != nil {
			// Skipped this round; the next scan retries.
			logging.Topology("attach %s failed: %v", shortID(info.ID), err)
			continue
		}
		if err := conn.InstallTabObserver(ctx); err != nil {
			logging.Topology("install observer on %s: %v", shortID(info.ID), err)
		}
		t.reg.AddInstance(info, conn)
		logging.Topology("instance added: %s (%s)", shortID(info.ID), info.Label)
		t.notify(fmt.Sprintf("🖥 Window opened: %s", labelOrID(info)))
	}

	for id := range known {
		if listedIDs[id] {
			continue
		}
		label := t.reg.InstanceLabel(id)
		conn, clearedMirror, ok := t.reg.RemoveInstance(id)
		if !ok {
			continue
		}
		conn.Detach()
		logging.Topology("instance removed: %s (%s)", shortID(id), label)
		t.notify(fmt.Sprintf("🖥 Window closed: %s", label))
		if clearedMirror {
			t.sel.Restore()
		}
	}

	for _, id := range t.reg.InstanceIDs() {
		t.scanConversations(ctx, id)
	}
}

// scanConversations refreshes one instance's conversation set and reports
// the changes outward.
func (t *Topology) scanConversations(ctx context.Context, instanceID string) {
	conn, ok := t.reg.InstanceConn(instanceID)
	if !ok {
		return
	}
	scanned, err := conn.ListConversations(ctx)
	if err != nil {
		logging.Topology("conversation scan on %s failed: %v", shortID(instanceID), err)
		return
	}

	delta := t.reg.ApplyScan(instanceID, scanned)
	label := t.reg.InstanceLabel(instanceID)

	for _, c := range delta.Added {
		logging.Topology("conversation added: %s %q", c.ID, c.Name)
		t.notify(fmt.Sprintf("💬 New chat in %s: %s", label, nameOr(c.Name, "(unnamed)")))
	}
	for _, c := range delta.Removed {
		logging.Topology("conversation removed: %s %q", c.ID, c.Name)
		t.notify(fmt.Sprintf("💬 Chat closed in %s: %s", label, nameOr(c.Name, "(unnamed)")))
	}
	for _, rn := range delta.Renamed {
		logging.Topology("conversation re-keyed: %s %q -> %s %q", rn.Old.ID, rn.Old.Name, rn.New.ID, rn.New.Name)
		if rn.Old.Name != rn.New.Name && rn.Old.Name != "" {
			t.notify(fmt.Sprintf("💬 Chat renamed: %s → %s", rn.Old.Name, rn.New.Name))
		}
	}
	if delta.MirroredUpdated {
		if ref, name := t.reg.Mirrored(); !ref.IsZero() {
			t.sel.persist(ref, name)
		} else {
			t.sel.Restore()
		}
	}
}

// pollSignals gathers active-session evidence from every instance: OS focus
// on a chat input, the in-page tab observer, and the split-editor poll. Each
// hit funnels into the selector, which decides whether it means anything.
func (t *Topology) pollSignals(ctx context.Context) {
	for _, id := range t.reg.InstanceIDs() {
		conn, ok := t.reg.InstanceConn(id)
		if !ok {
			continue
		}

		if info, ok, err := conn.CheckFocus(ctx); err != nil {
			logging.TopologyDebug("focus check on %s: %v", shortID(id), err)
			continue
		} else if ok {
			t.sel.OnSignal(id, info.ID, info.Name)
		}

		if info, ok, err := conn.PollTabObserver(ctx); err != nil {
			// A window reload wipes the observer; reinstall and move on.
			if ierr := conn.InstallTabObserver(ctx); ierr != nil {
				logging.TopologyDebug("reinstall observer on %s: %v", shortID(id), ierr)
			}
		} else if ok {
			t.sel.OnSignal(id, info.ID, info.Name)
		}

		if info, ok, err := conn.ActiveEditorChat(ctx); err == nil && ok {
			t.sel.OnSignal(id, info.ID, info.Name)
		}
	}
}

func labelOrID(info chat.InstanceInfo) string {
	if info.Label != "" {
		return info.Label
	}
	return shortID(info.ID)
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
