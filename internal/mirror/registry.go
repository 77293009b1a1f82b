package mirror

import (
	"sort"
	"strings"
	"sync"
	"time"

	"pocketmirror/internal/chat"
)

// echoWindow bounds how long an outbound send is considered a candidate echo.
const echoWindow = 5 * time.Minute

// photoSentinel stands in for the text of a captionless photo send, which
// has no prefix to match against the turn it produces.
const photoSentinel = "[photo]"

// echoPrefixLen is how many leading bytes of the observed user message must
// match the recorded outbound text for it to count as an echo.
const echoPrefixLen = 30

// Instance is one live client window with its known conversations.
type Instance struct {
	Info  chat.InstanceInfo
	Conn  InstanceConn
	Convs map[string]chat.ConversationInfo
}

// PendingConfirmation is a forwarded confirmation request awaiting a remote
// reply. Consumed exactly once.
type PendingConfirmation struct {
	ID      string
	Session chat.SessionRef
	Text    string
	Actions []chat.Action
	Created time.Time
}

// RenamePair records a conversation whose identity survived a scan diff under
// a new id, name, or both.
type RenamePair struct {
	Old chat.ConversationInfo
	New chat.ConversationInfo
}

// TopologyDelta is the outcome of applying one conversation scan.
type TopologyDelta struct {
	Added   []chat.ConversationInfo
	Removed []chat.ConversationInfo
	Renamed []RenamePair

	// MirroredUpdated is set when the mirrored session's id or name changed
	// as part of this scan, so the caller can re-persist it.
	MirroredUpdated bool
}

type outboundRecord struct {
	session chat.SessionRef
	text    string
	sentAt  time.Time
}

// Registry is the single source of truth shared by the three engine loops.
// One mutex guards the instance/conversation maps, the mirrored-session
// pointer, pending confirmations, and the outbound echo record. No I/O
// happens under the lock; connection handles are returned to callers who
// close them after release.
type Registry struct {
	mu sync.Mutex

	instances map[string]*Instance

	mirrored     chat.SessionRef
	mirroredName string

	pending map[string]PendingConfirmation

	lastOutbound outboundRecord

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		pending:   make(map[string]PendingConfirmation),
		now:       time.Now,
	}
}

// AddInstance registers a newly connected instance. The conversation map
// starts empty and fills on the first scan.
func (r *Registry) AddInstance(info chat.InstanceInfo, conn InstanceConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[info.ID] = &Instance{
		Info:  info,
		Conn:  conn,
		Convs: make(map[string]chat.ConversationInfo),
	}
}

// RemoveInstance drops an instance and returns its connection for the caller
// to close outside the lock. If the mirrored session lived there the pointer
// is cleared; clearedMirror tells the caller to re-elect.
func (r *Registry) RemoveInstance(id string) (conn InstanceConn, clearedMirror bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false, false
	}
	delete(r.instances, id)
	if r.mirrored.InstanceID == id {
		r.mirrored = chat.SessionRef{}
		r.mirroredName = ""
		clearedMirror = true
	}
	return inst.Conn, clearedMirror, true
}

// InstanceIDs returns the ids of all registered instances.
func (r *Registry) InstanceIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return ids
}

// Instances returns a snapshot of instance metadata.
func (r *Registry) Instances() []chat.InstanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]chat.InstanceInfo, 0, len(r.instances))
	for _, inst := range r.instances {
		infos = append(infos, inst.Info)
	}
	return infos
}

// InstanceConn returns the live connection for an instance.
func (r *Registry) InstanceConn(id string) (InstanceConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return inst.Conn, true
}

// InstanceLabel returns the display label for an instance, falling back to a
// truncated id when the window title had no workspace.
func (r *Registry) InstanceLabel(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.labelLocked(id)
}

func (r *Registry) labelLocked(id string) string {
	inst, ok := r.instances[id]
	if !ok {
		return shortID(id)
	}
	if inst.Info.Label != "" {
		return inst.Info.Label
	}
	return shortID(id)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Conversations returns a snapshot of one instance's known conversations.
func (r *Registry) Conversations(instanceID string) []chat.ConversationInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil
	}
	convs := make([]chat.ConversationInfo, 0, len(inst.Convs))
	for _, c := range inst.Convs {
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].Name != convs[j].Name {
			return convs[i].Name < convs[j].Name
		}
		return convs[i].ID < convs[j].ID
	})
	return convs
}

// ApplyScan merges one instance's freshly scanned conversation list into the
// registry: diffs against the known set, reconciles disappeared-and-appeared
// pairs so renames and moves keep their identity, and reports what actually
// changed. A scan never touches other instances.
func (r *Registry) ApplyScan(instanceID string, scanned []chat.ConversationInfo) TopologyDelta {
	r.mu.Lock()
	defer r.mu.Unlock()

	var delta TopologyDelta
	inst, ok := r.instances[instanceID]
	if !ok {
		return delta
	}

	seen := make(map[string]bool, len(scanned))
	var appeared []chat.ConversationInfo
	for _, c := range scanned {
		seen[c.ID] = true
		old, known := inst.Convs[c.ID]
		if !known {
			appeared = append(appeared, c)
			continue
		}
		// Fingerprints are only observable on the active conversation;
		// keep the last known one when the scan reports none.
		if c.Fingerprint == "" {
			c.Fingerprint = old.Fingerprint
		}
		if old.Name != c.Name {
			delta.Renamed = append(delta.Renamed, RenamePair{Old: old, New: c})
			if r.mirrored.InstanceID == instanceID && r.mirrored.ConversationID == c.ID {
				r.mirroredName = c.Name
				delta.MirroredUpdated = true
			}
		}
		inst.Convs[c.ID] = c
	}

	var disappeared []chat.ConversationInfo
	for id, c := range inst.Convs {
		if !seen[id] {
			disappeared = append(disappeared, c)
		}
	}

	matchedOld := make(map[string]chat.ConversationInfo)
	matchedNew := make(map[string]bool)
	for _, m := range Reconcile(disappeared, appeared) {
		matchedOld[m.OldID] = m.New
		matchedNew[m.New.ID] = true
	}

	for _, old := range disappeared {
		nu, rekeyed := matchedOld[old.ID]
		delete(inst.Convs, old.ID)
		if !rekeyed {
			delta.Removed = append(delta.Removed, old)
			if r.mirrored.InstanceID == instanceID && r.mirrored.ConversationID == old.ID {
				r.mirrored = chat.SessionRef{}
				r.mirroredName = ""
				delta.MirroredUpdated = true
			}
			continue
		}
		if nu.Fingerprint == "" {
			nu.Fingerprint = old.Fingerprint
		}
		inst.Convs[nu.ID] = nu
		delta.Renamed = append(delta.Renamed, RenamePair{Old: old, New: nu})
		if r.mirrored.InstanceID == instanceID && r.mirrored.ConversationID == old.ID {
			r.mirrored.ConversationID = nu.ID
			r.mirroredName = nu.Name
			delta.MirroredUpdated = true
		}
	}

	for _, c := range appeared {
		if matchedNew[c.ID] {
			continue
		}
		inst.Convs[c.ID] = c
		delta.Added = append(delta.Added, c)
	}

	return delta
}

// ResolveConversation turns a possibly-partial switch signal into a full
// session ref. An empty id is resolved by name within the instance; signals
// that match nothing known are dropped by the caller.
func (r *Registry) ResolveConversation(instanceID, convID, name string) (chat.SessionRef, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return chat.SessionRef{}, "", false
	}
	if convID != "" {
		if c, ok := inst.Convs[convID]; ok {
			if name == "" {
				name = c.Name
			}
			return chat.SessionRef{InstanceID: instanceID, ConversationID: convID}, name, true
		}
		// Signals can outrun the scan that registers a new tab; trust the id.
		return chat.SessionRef{InstanceID: instanceID, ConversationID: convID}, name, true
	}
	for id, c := range inst.Convs {
		if c.Name == name && name != "" {
			return chat.SessionRef{InstanceID: instanceID, ConversationID: id}, c.Name, true
		}
	}
	return chat.SessionRef{}, "", false
}

// Mirrored returns the current mirrored session pointer and its display name.
func (r *Registry) Mirrored() (chat.SessionRef, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mirrored, r.mirroredName
}

// SetMirrored repoints the mirrored session. Only the selector calls this.
func (r *Registry) SetMirrored(ref chat.SessionRef, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirrored = ref
	r.mirroredName = name
}

// MirroredConn returns the mirrored session together with its instance
// connection, or ok=false when nothing is mirrored or the instance is gone.
func (r *Registry) MirroredConn() (chat.SessionRef, string, InstanceConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mirrored.InstanceID == "" {
		return chat.SessionRef{}, "", nil, false
	}
	inst, ok := r.instances[r.mirrored.InstanceID]
	if !ok {
		return chat.SessionRef{}, "", nil, false
	}
	return r.mirrored, r.mirroredName, inst.Conn, true
}

// FirstActive returns the first conversation flagged active in any instance.
func (r *Registry) FirstActive() (chat.SessionRef, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inst := range r.instances {
		for cid, c := range inst.Convs {
			if c.Active {
				return chat.SessionRef{InstanceID: id, ConversationID: cid}, c.Name, true
			}
		}
	}
	return chat.SessionRef{}, "", false
}

// FindConversation looks a conversation up by id across instances, falling
// back to a name match when the id was reassigned.
func (r *Registry) FindConversation(convID, name string) (chat.SessionRef, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if convID != "" {
		for id, inst := range r.instances {
			if c, ok := inst.Convs[convID]; ok {
				return chat.SessionRef{InstanceID: id, ConversationID: convID}, c.Name, true
			}
		}
	}
	if name != "" {
		for id, inst := range r.instances {
			for cid, c := range inst.Convs {
				if c.Name == name {
					return chat.SessionRef{InstanceID: id, ConversationID: cid}, c.Name, true
				}
			}
		}
	}
	return chat.SessionRef{}, "", false
}

// AnyInstance returns an arbitrary instance id, used as a last-resort
// mirroring target when nothing else matches.
func (r *Registry) AnyInstance() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.instances {
		return id, true
	}
	return "", false
}

// RegisterConfirmation records a forwarded confirmation awaiting a reply.
// Re-registering a live id is a no-op so repeated polls of the same unit do
// not reset or duplicate it.
func (r *Registry) RegisterConfirmation(p PendingConfirmation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[p.ID]; exists {
		return false
	}
	if p.Created.IsZero() {
		p.Created = r.now()
	}
	r.pending[p.ID] = p
	return true
}

// HasConfirmation reports whether an action-request id is still pending.
func (r *Registry) HasConfirmation(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// TakeConfirmation removes and returns a pending confirmation. The removal
// is what makes reply handling exactly-once: a second take of the same id
// fails.
func (r *Registry) TakeConfirmation(id string) (PendingConfirmation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return p, ok
}

// PendingCount reports how many confirmations await replies.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// RecordOutbound notes text the engine itself just typed into a session, so
// the forwarder can tell the resulting turn apart from genuine local input.
func (r *Registry) RecordOutbound(session chat.SessionRef, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOutbound = outboundRecord{session: session, text: text, sentAt: r.now()}
}

// IsOutboundEcho reports whether an observed user message is the echo of the
// engine's own last send into that session. Prefix comparison tolerates the
// client appending attachments or trimming whitespace.
func (r *Registry) IsOutboundEcho(session chat.SessionRef, userText string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.lastOutbound
	if rec.text == "" || rec.session != session {
		return false
	}
	if r.now().Sub(rec.sentAt) > echoWindow {
		return false
	}
	if rec.text == photoSentinel {
		// Captionless photo paste; the resulting turn carries whatever text
		// the client renders for a bare attachment.
		return true
	}
	n := echoPrefixLen
	if len(rec.text) < n {
		n = len(rec.text)
	}
	if n == 0 {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(userText), rec.text[:n])
}
