package pipeline

import "fmt"

// Stage names a step of the turn pipeline.
type Stage string

const (
	StageSTT             Stage = "stt"
	StageInputGuardrail  Stage = "input-guardrail"
	StageChat            Stage = "chat"
	StageOutputGuardrail Stage = "output-guardrail"
	StageTTS             Stage = "tts"
)

// StageError is returned when a stage fails outright. Guardrail verdicts are
// never StageErrors; only a guardrail that fails to run is.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements error.
func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}
