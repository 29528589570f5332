package messagequeue

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var schemaValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks data against the schema of subject: it must decode into
// the subject's payload type and satisfy its validate tags. Subjects
// without a schema only need to be valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	switch subject {
	case SubjectLeaderboardRegenerate:
		target = &LeaderboardRegeneratePayload{}
	case SubjectEvaluationCompleted:
		target = &EvaluationCompletedPayload{}
	case SubjectCohortFinished:
		target = &CohortFinishedPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if err := schemaValidator.Struct(target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
