package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

func TestNextPhase(t *testing.T) {
	inbound := Event{Direction: models.DirectionInbound}
	initial := Event{Direction: models.DirectionOutbound, ActionType: models.ActionInitialProposal}
	revised := Event{Direction: models.DirectionOutbound, ActionType: models.ActionRevisedProposal}
	clarify := Event{Direction: models.DirectionOutbound, ActionType: models.ActionClarification}

	tests := []struct {
		name    string
		current models.Phase
		event   Event
		want    models.Phase
	}{
		{"initial proposal sent", models.PhaseUnderstanding, initial, models.PhaseProposalDraft},
		{"feedback after proposal", models.PhaseProposalDraft, inbound, models.PhaseProposalFeedback},
		{"revision sent", models.PhaseProposalFeedback, revised, models.PhaseProposalDraft},
		{"inbound while understanding", models.PhaseUnderstanding, inbound, models.PhaseUnderstanding},
		{"clarification keeps phase", models.PhaseUnderstanding, clarify, models.PhaseUnderstanding},
		{"revision outside feedback", models.PhaseUnderstanding, revised, models.PhaseUnderstanding},
		{"suggestion honored", models.PhaseProposalFeedback, Event{Direction: models.DirectionInbound, Suggested: models.PhaseCompleted}, models.PhaseCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextPhase(tt.current, tt.event))
		})
	}
}
