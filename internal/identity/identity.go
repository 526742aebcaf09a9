// Package identity validates the team/worker/task identifiers spec.md §3
// names before they reach persisted state, using struct-tag validation
// via go-playground/validator rather than hand-rolled regex checks
// scattered across each store.
package identity

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var v = validator.New()

func init() {
	_ = v.RegisterValidation("omxname", validateOmxName)
}

// validateOmxName enforces spec.md §3's identifier charset: letters,
// digits, underscore, and hyphen, 1-64 characters.
func validateOmxName(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// TeamName and WorkerName share the same identifier shape; TaskID has its
// own rule below. All three are distinct types so call sites read
// unambiguously.
type TeamName struct {
	Value string `validate:"required,omxname"`
}

type WorkerName struct {
	Value string `validate:"required,omxname"`
}

// TaskID is numeric-string per the Task Store's monotonic counter, so it
// gets its own rule rather than the general name charset.
type TaskID struct {
	Value string `validate:"required,number"`
}

// ValidateTeamName, ValidateWorkerName, and ValidateTaskID each run the
// validator and return a single descriptive error on failure.
func ValidateTeamName(name string) error {
	if err := v.Struct(TeamName{Value: name}); err != nil {
		return fmt.Errorf("invalid team name %q: %w", name, err)
	}
	return nil
}

func ValidateWorkerName(name string) error {
	if err := v.Struct(WorkerName{Value: name}); err != nil {
		return fmt.Errorf("invalid worker name %q: %w", name, err)
	}
	return nil
}

func ValidateTaskID(id string) error {
	if err := v.Struct(TaskID{Value: id}); err != nil {
		return fmt.Errorf("invalid task id %q: %w", id, err)
	}
	return nil
}
