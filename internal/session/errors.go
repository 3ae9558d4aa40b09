package session

import "fmt"

// StepError reports which acquisition or teardown step failed for which VM.
// Rollback failures are joined into Err rather than discarded, so the caller
// sees the full picture.
type StepError struct {
	VMID string
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("vm %s: step %s: %v", e.VMID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
