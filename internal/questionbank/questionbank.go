// Package questionbank is C8: random sampling and deterministic
// composition for topic-final tests. The source's sampling is
// nondeterministic (see original_source/Backend/src/service/question_bank.py's
// unseeded random.sample); this package reseeds it per attempt so P8
// (frozen composition) can be asserted in tests.
package questionbank

import (
	"encoding/json"
	"math/rand"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/domain"
)

// Compose gathers the question set for a topic-final test with target
// count k (nil means "use all"), seeded by attemptID so the same attempt
// always re-derives the same set and per-question option order.
func Compose(questions []domain.Question, k *int, attemptID int64) ([]domain.RandomizedQuestion, error) {
	if len(questions) == 0 {
		return nil, apperr.New(apperr.CodeNoQuestions, "no questions available for this topic")
	}

	rng := rand.New(rand.NewSource(attemptID))

	var final, other []domain.Question
	for _, q := range questions {
		if q.IsFinal {
			final = append(final, q)
		} else {
			other = append(other, q)
		}
	}

	var selected []domain.Question
	if k == nil {
		selected = append(selected, final...)
		selected = append(selected, other...)
	} else {
		target := *k
		take := target
		if take > len(final) {
			take = len(final)
		}
		selected = append(selected, sampleWithoutReplacement(rng, final, take)...)

		remaining := target - len(selected)
		if remaining > 0 {
			if remaining > len(other) {
				remaining = len(other)
			}
			selected = append(selected, sampleWithoutReplacement(rng, other, remaining)...)
		}
	}

	out := make([]domain.RandomizedQuestion, 0, len(selected))
	for _, q := range selected {
		out = append(out, domain.RandomizedQuestion{
			QuestionID:  q.ID,
			OptionOrder: permutedOptionOrder(rng, q.Options),
		})
	}
	return out, nil
}

// sampleWithoutReplacement draws n elements uniformly at random from pool
// without replacement, using rng so the result is reproducible for a given
// seed.
func sampleWithoutReplacement(rng *rand.Rand, pool []domain.Question, n int) []domain.Question {
	if n <= 0 {
		return nil
	}
	shuffled := make([]domain.Question, len(pool))
	copy(shuffled, pool)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}

// permutedOptionOrder returns a permutation of indices [0, len(options))
// for a question's options list.
func permutedOptionOrder(rng *rand.Rand, options []byte) []int {
	var raw []json.RawMessage
	if err := json.Unmarshal(options, &raw); err != nil || len(raw) == 0 {
		return nil
	}
	order := make([]int, len(raw))
	for i := range order {
		order[i] = i
	}
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order
}
