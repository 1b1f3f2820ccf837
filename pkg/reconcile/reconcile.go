// Package reconcile turns a stored, provider-oriented message log into the
// list of messages shown to the user, and back.
//
// Tool results never become messages of their own. They are folded into the
// invocation of the assistant message that issued the call. Results are only
// matched against messages already produced, so a result that appears before
// its call, or that names an unknown call, is dropped.
package reconcile

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nstogner/klever/pkg/domain"
)

// UntitledChat is the title of a chat whose log yields no messages.
const UntitledChat = "Untitled"

// newID generates display message ids. They are random on every pass; callers
// that need stable keys must key on position.
var newID = func() string { return uuid.New().String() }

// Messages reconciles a stored log into display messages. It never modifies
// log and always returns a non-nil slice.
func Messages(log []domain.StoredMessage) []domain.DisplayMessage {
	out := make([]domain.DisplayMessage, 0, len(log))
	for _, msg := range log {
		if msg.Role == domain.RoleTool {
			attachResults(out, msg)
			continue
		}
		out = append(out, display(msg))
	}
	return out
}

func display(msg domain.StoredMessage) domain.DisplayMessage {
	dm := domain.DisplayMessage{
		ID:              newID(),
		Role:            msg.Role,
		ToolInvocations: []domain.ToolInvocation{},
	}
	if !msg.Content.IsParts() {
		dm.Content = msg.Content.Text
		return dm
	}

	var text strings.Builder
	for _, p := range msg.Content.Parts {
		switch p.Type {
		case domain.PartText:
			text.WriteString(p.Text)
		case domain.PartToolCall:
			dm.ToolInvocations = append(dm.ToolInvocations, domain.ToolInvocation{
				State:      domain.StateCall,
				ToolCallID: p.ToolCallID,
				ToolName:   p.ToolName,
				Args:       p.Args,
			})
		}
	}
	dm.Content = text.String()
	return dm
}

// attachResults patches pending invocations in out with the results carried
// by a tool message.
func attachResults(out []domain.DisplayMessage, msg domain.StoredMessage) {
	for _, p := range msg.Content.Parts {
		if p.Type != domain.PartToolResult {
			continue
		}
		if inv := pendingInvocation(out, p.ToolCallID); inv != nil {
			inv.State = domain.StateResult
			inv.Result = p.Result
		}
	}
}

// pendingInvocation finds the earliest invocation with the given call id that
// has no result yet.
func pendingInvocation(out []domain.DisplayMessage, callID string) *domain.ToolInvocation {
	for i := range out {
		invs := out[i].ToolInvocations
		for j := range invs {
			if invs[j].ToolCallID == callID && invs[j].State == domain.StateCall {
				return &invs[j]
			}
		}
	}
	return nil
}

// Title derives a short label for a chat: the content of its first display
// message, or UntitledChat when there is none.
func Title(chat *domain.Chat) string {
	if chat == nil {
		return UntitledChat
	}
	msgs := Messages(chat.Messages)
	if len(msgs) == 0 {
		return UntitledChat
	}
	return msgs[0].Content
}
