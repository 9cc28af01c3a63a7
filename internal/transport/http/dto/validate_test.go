package dto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSubmitTestRequestRejectsMissingAnswers(t *testing.T) {
	req := SubmitTestRequest{}
	err := Validate(&req)
	require.Error(t, err)
	assert.Contains(t, ValidationMessage(err), "Answers")
}

func TestValidateSubmitTestRequestAcceptsEmptyAnswers(t *testing.T) {
	req := SubmitTestRequest{Answers: map[string]any{}}
	assert.NoError(t, Validate(&req))
}

func TestValidateSubmitTestRequestRejectsOversizedAnswers(t *testing.T) {
	answers := make(map[string]any, 501)
	for i := 0; i < 501; i++ {
		answers[string(rune('a'+i%26))+string(rune(i))] = i
	}
	req := SubmitTestRequest{Answers: answers}
	err := Validate(&req)
	require.Error(t, err)
	assert.Contains(t, ValidationMessage(err), "max")
}

func TestValidateHeartbeatTestRequestAcceptsNilDraft(t *testing.T) {
	req := HeartbeatTestRequest{}
	assert.NoError(t, Validate(&req))
}
