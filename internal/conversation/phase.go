package conversation

import "github.com/arkb75/SoloPilot-sub000/pkg/models"

// Event is something that happened to a conversation and may move its phase
type Event struct {
	Direction  models.Direction
	ActionType string       // For outbound sends, the reply's metadata action type
	Suggested  models.Phase // Phase proposed by a collaborator, honored as given
}

// NextPhase applies the phase policy. The store never enforces it; callers do.
func NextPhase(current models.Phase, ev Event) models.Phase {
	if ev.Suggested != "" {
		return ev.Suggested
	}

	switch ev.Direction {
	case models.DirectionInbound:
		if current == models.PhaseProposalDraft {
			return models.PhaseProposalFeedback
		}
	case models.DirectionOutbound:
		switch {
		case ev.ActionType == models.ActionInitialProposal && current == models.PhaseUnderstanding:
			return models.PhaseProposalDraft
		case ev.ActionType == models.ActionRevisedProposal && current == models.PhaseProposalFeedback:
			return models.PhaseProposalDraft
		}
	}
	return current
}
