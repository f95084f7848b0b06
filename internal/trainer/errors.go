package trainer

import "fmt"

// ConfigError reports a run configuration that contradicts the data or
// the flags. It is raised before any model or loader is built.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// DivergenceError reports a non-finite training loss. Training cannot
// continue past it.
type DivergenceError struct {
	Epoch int
	Step  int
	Loss  float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("non-finite loss %v at epoch %d step %d", e.Loss, e.Epoch, e.Step)
}
