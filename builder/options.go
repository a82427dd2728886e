package builder

import (
	"time"

	"github.com/sicko7947/talkflow"
)

// StepOption is a functional option for configuring steps
type StepOption func(*talkflow.StepDefinition)

// WithOutputKey stores the step output under key instead of the step id
func WithOutputKey(key string) StepOption {
	return func(s *talkflow.StepDefinition) {
		s.OutputKey = key
	}
}

// WithTimeout overrides the backend timeout for the step
func WithTimeout(timeout time.Duration) StepOption {
	return func(s *talkflow.StepDefinition) {
		s.Timeout = timeout
	}
}

// WithConfig merges config into the step configuration
func WithConfig(config map[string]any) StepOption {
	return func(s *talkflow.StepDefinition) {
		if s.Config == nil {
			s.Config = make(map[string]any, len(config))
		}
		for k, v := range config {
			s.Config[k] = v
		}
	}
}

// WithParam sets one configuration key
func WithParam(key string, value any) StepOption {
	return WithConfig(map[string]any{key: value})
}
