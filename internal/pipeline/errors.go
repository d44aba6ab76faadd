package pipeline

import (
	"fmt"

	"tradeingest/internal/model"
)

type Stage string

const (
	StageFetch     Stage = "fetch"
	StageValidate  Stage = "validate"
	StagePersist   Stage = "persist"
	StageTruncated Stage = "truncated"
)

// UnitError is a failure confined to one fetch unit. The run continues past it.
type UnitError struct {
	Unit  model.FetchUnit
	Stage Stage
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %s failed at %s: %v", e.Unit.Key(), e.Stage, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}
