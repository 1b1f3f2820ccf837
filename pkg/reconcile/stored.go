package reconcile

import "github.com/nstogner/klever/pkg/domain"

// ToStored converts display messages, as resubmitted by a client, back into a
// stored log suitable for the model. Assistant tool invocations become
// tool-call parts; those that carry a result are followed by a tool message
// holding the results.
func ToStored(msgs []domain.DisplayMessage) []domain.StoredMessage {
	log := make([]domain.StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != domain.RoleAssistant || len(m.ToolInvocations) == 0 {
			log = append(log, domain.StoredMessage{Role: m.Role, Content: domain.TextContent(m.Content)})
			continue
		}

		var parts []domain.Part
		if m.Content != "" {
			parts = append(parts, domain.TextPart(m.Content))
		}
		var results []domain.Part
		for _, inv := range m.ToolInvocations {
			parts = append(parts, domain.ToolCallPart(inv.ToolCallID, inv.ToolName, inv.Args))
			if inv.State == domain.StateResult {
				results = append(results, domain.ToolResultPart(inv.ToolCallID, inv.ToolName, inv.Result))
			}
		}
		log = append(log, domain.StoredMessage{Role: domain.RoleAssistant, Content: domain.PartsContent(parts...)})
		if len(results) > 0 {
			log = append(log, domain.StoredMessage{Role: domain.RoleTool, Content: domain.PartsContent(results...)})
		}
	}
	return log
}
