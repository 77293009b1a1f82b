package mirror

import (
	"sync"
	"time"

	"pocketmirror/internal/chat"
	"pocketmirror/internal/logging"
	"pocketmirror/internal/state"
)

// Selector owns the mirrored-session pointer. Every upstream switch signal,
// whatever its source, funnels through OnSignal; the pointer moves
// immediately so forwarding and routing stay correct, while the external
// "now mirroring X" notification is debounced to swallow focus flicker.
type Selector struct {
	reg      *Registry
	store    *state.Store
	notify   func(text string)
	debounce time.Duration
	now      func() time.Time

	mu       sync.Mutex
	deadline time.Time
	// prior is the session that was mirrored when the pending switch began;
	// a signal returning to it within the window cancels the notification.
	prior       chat.SessionRef
	pendingName string
}

func NewSelector(reg *Registry, store *state.Store, notify func(string), debounce time.Duration) *Selector {
	return &Selector{
		reg:      reg,
		store:    store,
		notify:   notify,
		debounce: debounce,
		now:      time.Now,
	}
}

// OnSignal processes one "user switched to this conversation" observation.
// Redundant signals for the already-mirrored session are no-ops; a genuine
// switch repoints the mirrored session at once and schedules (or cancels)
// the debounced notification.
func (s *Selector) OnSignal(instanceID, convID, name string) {
	ref, resolvedName, ok := s.reg.ResolveConversation(instanceID, convID, name)
	if !ok {
		return
	}

	cur, curName := s.reg.Mirrored()
	if cur == ref {
		if resolvedName != "" && resolvedName != curName {
			s.reg.SetMirrored(ref, resolvedName)
			s.persist(ref, resolvedName)
		}
		return
	}

	s.reg.SetMirrored(ref, resolvedName)
	s.persist(ref, resolvedName)
	logging.Topology("mirror switch: %s/%s (%q)", shortID(ref.InstanceID), ref.ConversationID, resolvedName)

	s.mu.Lock()
	defer s.mu.Unlock()
	pending := !s.deadline.IsZero()
	if pending && ref == s.prior {
		// Round trip inside the window; the whole excursion is a non-event.
		s.deadline = time.Time{}
		s.prior = chat.SessionRef{}
		s.pendingName = ""
		return
	}
	s.prior = cur
	s.pendingName = resolvedName
	s.deadline = s.now().Add(s.debounce)
}

// Poll fires the pending notification once its debounce window has passed.
// Called from the topology loop every iteration.
func (s *Selector) Poll() {
	s.mu.Lock()
	if s.deadline.IsZero() || s.now().Before(s.deadline) {
		s.mu.Unlock()
		return
	}
	name := s.pendingName
	s.deadline = time.Time{}
	s.prior = chat.SessionRef{}
	s.pendingName = ""
	s.mu.Unlock()

	if name == "" {
		name = "(unnamed)"
	}
	s.notify("🔀 Now mirroring: " + name)
}

func (s *Selector) persist(ref chat.SessionRef, name string) {
	rec := state.MirroredRecord{
		InstanceLabel:    s.reg.InstanceLabel(ref.InstanceID),
		ConversationName: name,
		ConversationID:   ref.ConversationID,
	}
	if err := s.store.SaveMirrored(rec); err != nil {
		logging.Topology("persist mirrored session: %v", err)
	}
}

// Restore picks the initial mirrored session after startup: the persisted
// record if it still matches current topology (by id, then by name), else
// the first conversation the client shows as active, else any instance with
// no specific conversation. Never notifies; there was no user switch.
func (s *Selector) Restore() {
	if rec, ok := s.store.LoadMirrored(); ok {
		if ref, name, found := s.reg.FindConversation(rec.ConversationID, rec.ConversationName); found {
			s.reg.SetMirrored(ref, name)
			s.persist(ref, name)
			logging.Topology("restored mirrored session %q", name)
			return
		}
	}
	if ref, name, ok := s.reg.FirstActive(); ok {
		s.reg.SetMirrored(ref, name)
		s.persist(ref, name)
		logging.Topology("mirroring first active conversation %q", name)
		return
	}
	if id, ok := s.reg.AnyInstance(); ok {
		s.reg.SetMirrored(chat.SessionRef{InstanceID: id}, "")
		logging.Topology("no conversations yet; tracking instance %s", shortID(id))
	}
}
