package questionbank

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/domain"
)

func mkQuestion(id int64, isFinal bool) domain.Question {
	opts, _ := json.Marshal([]string{"a", "b", "c"})
	return domain.Question{ID: id, IsFinal: isFinal, Options: opts}
}

// Scenario 6 from §8: 10 bank questions, 4 final; target=6 composes all 4
// finals plus 2 sampled others, and is reproducible given the same seed.
func TestComposeTakesAllFinalsThenTopsUpFromOthers(t *testing.T) {
	var questions []domain.Question
	for i := int64(1); i <= 4; i++ {
		questions = append(questions, mkQuestion(i, true))
	}
	for i := int64(5); i <= 10; i++ {
		questions = append(questions, mkQuestion(i, false))
	}

	k := 6
	out, err := Compose(questions, &k, 42)
	require.NoError(t, err)
	require.Len(t, out, 6)

	finalCount := 0
	for _, rq := range out {
		if rq.QuestionID <= 4 {
			finalCount++
		}
	}
	assert.Equal(t, 4, finalCount, "every final question must be included")
}

// P8: composition for a given attempt id is deterministic across repeated
// calls.
func TestComposeIsDeterministicForSameAttemptID(t *testing.T) {
	var questions []domain.Question
	for i := int64(1); i <= 10; i++ {
		questions = append(questions, mkQuestion(i, i <= 3))
	}
	k := 5

	first, err := Compose(questions, &k, 777)
	require.NoError(t, err)
	second, err := Compose(questions, &k, 777)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	third, err := Compose(questions, &k, 778)
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "a different seed should (almost always) select a different set or order")
}

func TestComposeNilTargetReturnsEverything(t *testing.T) {
	var questions []domain.Question
	for i := int64(1); i <= 5; i++ {
		questions = append(questions, mkQuestion(i, false))
	}
	out, err := Compose(questions, nil, 1)
	require.NoError(t, err)
	assert.Len(t, out, 5)
}

func TestComposeEmptyPoolFails(t *testing.T) {
	_, err := Compose(nil, nil, 1)
	require.Error(t, err)
	code, ok := apperr.Of(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeNoQuestions, code)
}

func TestComposeNeverFailsWithAtLeastOneQuestion(t *testing.T) {
	k := 50
	out, err := Compose([]domain.Question{mkQuestion(1, false)}, &k, 1)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
