package mirror

import (
	"context"
	"fmt"

	"pocketmirror/internal/logging"
)

// ReplyOutcome classifies what happened to a confirmation reply.
type ReplyOutcome int

const (
	// ReplyDone means the chosen action was invoked in the client.
	ReplyDone ReplyOutcome = iota
	// ReplyExpired means the request id was unknown or already consumed;
	// nothing was invoked.
	ReplyExpired
)

// ConfirmRouter maps remote confirmation replies back to the in-client
// action they refer to. Each pending id is consumable exactly once;
// everything else is answered as expired rather than guessed at.
type ConfirmRouter struct {
	reg *Registry
}

func NewConfirmRouter(reg *Registry) *ConfirmRouter {
	return &ConfirmRouter{reg: reg}
}

// OnReply consumes the pending confirmation for id and clicks its indexed
// action. The confirmation is removed before the click, so a concurrent or
// repeated reply for the same id observes expired and performs nothing.
func (c *ConfirmRouter) OnReply(ctx context.Context, id string, actionIndex int) (string, ReplyOutcome, error) {
	p, ok := c.reg.TakeConfirmation(id)
	if !ok {
		logging.Confirm("reply for unknown id %s", id)
		return "", ReplyExpired, nil
	}
	if actionIndex < 0 || actionIndex >= len(p.Actions) {
		logging.Confirm("reply for %s with bad action index %d", id, actionIndex)
		return "", ReplyExpired, nil
	}
	action := p.Actions[actionIndex]

	conn, ok := c.reg.InstanceConn(p.Session.InstanceID)
	if !ok {
		logging.Confirm("reply for %s but instance %s is gone", id, shortID(p.Session.InstanceID))
		return "", ReplyExpired, nil
	}
	if err := conn.ClickLocator(ctx, action.Locator); err != nil {
		return "", ReplyDone, fmt.Errorf("invoke %q: %w", action.Label, err)
	}
	logging.Confirm("invoked %q for %s", action.Label, id)
	return action.Label, ReplyDone, nil
}
