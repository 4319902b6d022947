package pdp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/oarkflow/pdp/logger"
)

// WithLogger installs a Logger on the Engine via EngineOption
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return errors.New("pdp: nil logger")
		}
		e.logger = l
		return nil
	}
}

// WithRequestIDFunc installs a custom request ID generator on the engine.
func WithRequestIDFunc(f logger.RequestIDFunc) EngineOption {
	return func(e *Engine) error {
		if f != nil {
			e.requestID = f
		}
		return nil
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("pdp: nil clock")
		}
		e.clock = c
		return nil
	}
}

// WithMaxRoleGraphSize bounds the number of roles a single resolution visits.
func WithMaxRoleGraphSize(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("pdp: max role graph size must be positive")
		}
		e.maxRoles = n
		return nil
	}
}

// WithEvaluationTimeout caps each evaluation. The caller's deadline still
// applies when it is earlier.
func WithEvaluationTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d < 0 {
			return errors.New("pdp: negative evaluation timeout")
		}
		e.timeout = d
		return nil
	}
}

// WithAuditEmitter sends a DecisionRecord for every evaluation.
func WithAuditEmitter(em DecisionEmitter) EngineOption {
	return func(e *Engine) error {
		e.emitter = em
		return nil
	}
}

// WithMetrics registers the engine collectors with reg. Engines sharing a
// registerer share the collectors.
func WithMetrics(reg prometheus.Registerer) EngineOption {
	return func(e *Engine) error {
		if reg == nil {
			return errors.New("pdp: nil registerer")
		}
		m, err := NewMetrics(reg)
		if err != nil {
			return err
		}
		e.metrics = m
		return nil
	}
}

// WithTracer takes spans from tp instead of the global provider.
func WithTracer(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) error {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
		return nil
	}
}

// WithAssignmentSource reads assignments from src instead of the store.
func WithAssignmentSource(src AssignmentSource) EngineOption {
	return func(e *Engine) error {
		e.assignments = src
		return nil
	}
}

// WithRoleCache memoizes role resolutions in a ristretto cache of at most
// maxEntries entries. Close the engine to release it.
func WithRoleCache(maxEntries int64) EngineOption {
	return func(e *Engine) error {
		c, err := NewRoleCache(maxEntries)
		if err != nil {
			return err
		}
		if e.roleCache != nil {
			e.roleCache.Close()
		}
		e.roleCache = c
		return nil
	}
}

// WithBatchConcurrency bounds the goroutines used by BatchEvaluate.
func WithBatchConcurrency(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("pdp: batch concurrency must be positive")
		}
		e.batchLimit = n
		return nil
	}
}
