package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Executor handles the execution of tool calls requested by the model.
type Executor interface {
	Execute(ctx context.Context, call Call, registry Registry) (*Result, error)
	ExecuteAll(ctx context.Context, calls []Call, registry Registry) ([]*Result, error)
}

// DefaultExecutor runs tools from the registry with timeout, retry,
// parallelism cap and optional JSON-schema argument validation.
type DefaultExecutor struct {
	config Config
}

func NewDefaultExecutor(config Config) *DefaultExecutor {
	return &DefaultExecutor{config: config}
}

var _ Executor = (*DefaultExecutor)(nil)

// Execute runs a single tool call. Execution failures are reported in
// Result.Error, not as a Go error: a failed tool call is scoped to its
// own block and never aborts the surrounding generation turn.
func (e *DefaultExecutor) Execute(ctx context.Context, call Call, registry Registry) (*Result, error) {
	start := time.Now()

	def, err := registry.GetTool(call.Name)
	if err != nil {
		return &Result{ID: call.ID, Error: fmt.Sprintf("tool not found: %s", call.Name), Duration: time.Since(start)}, nil
	}
	if !e.config.IsToolAllowed(call.Name) {
		return &Result{ID: call.ID, Error: fmt.Sprintf("tool not allowed: %s", call.Name), Duration: time.Since(start)}, nil
	}

	if e.config.ValidateArgs {
		if err := validateArgs(def, call.Args); err != nil {
			return &Result{ID: call.ID, Error: err.Error(), Duration: time.Since(start)}, nil
		}
	}

	result := e.executeWithRetry(ctx, call, def)
	result.ID = call.ID
	result.Duration = time.Since(start)

	log.Debug().Str("tool", call.Name).Str("call_id", call.ID).
		Dur("duration", result.Duration).Bool("failed", result.Error != "").
		Msg("tool call executed")
	return result, nil
}

// ExecuteAll runs the calls, in parallel up to MaxParallelTools.
func (e *DefaultExecutor) ExecuteAll(ctx context.Context, calls []Call, registry Registry) ([]*Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	maxParallel := e.config.MaxParallelTools
	if maxParallel <= 1 || len(calls) == 1 {
		results := make([]*Result, len(calls))
		for i, call := range calls {
			result, err := e.Execute(ctx, call, registry)
			if err != nil {
				return results, err
			}
			results[i] = result
			if result.Error != "" && e.config.ErrorHandling == ErrorAbort {
				return results, errors.Errorf("tool execution aborted due to error in %s: %s", call.Name, result.Error)
			}
		}
		return results, nil
	}

	results := make([]*Result, len(calls))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(index int, c Call) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			result, err := e.Execute(ctx, c, registry)
			if err != nil {
				result = &Result{ID: c.ID, Error: err.Error()}
			}
			results[index] = result
		}(i, call)
	}
	wg.Wait()

	for i, result := range results {
		if result.Error != "" && e.config.ErrorHandling == ErrorAbort {
			return results, errors.Errorf("tool execution aborted due to error in %s: %s", calls[i].Name, result.Error)
		}
	}
	return results, nil
}

func (e *DefaultExecutor) executeWithRetry(ctx context.Context, call Call, def *Definition) *Result {
	var lastErr error
	retries := 0

	for attempt := 0; attempt <= e.config.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.config.Retry.BackoffBase
			for i := 1; i < attempt; i++ {
				backoff = time.Duration(float64(backoff) * e.config.Retry.BackoffFactor)
			}
			select {
			case <-ctx.Done():
				return &Result{Error: "context cancelled during retry backoff", Retries: retries}
			case <-time.After(backoff):
			}
			retries++
		}

		// Each attempt gets its own timeout context, released as soon as
		// the attempt returns.
		raw, err := func() (interface{}, error) {
			execCtx := ctx
			if e.config.ExecutionTimeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(ctx, e.config.ExecutionTimeout)
				defer cancel()
			}
			return def.Function.Execute(execCtx, call.Args)
		}()
		if err == nil {
			return &Result{Items: NormalizeResult(raw), Retries: retries}
		}
		lastErr = err

		if e.config.ErrorHandling != ErrorRetry {
			return &Result{Error: err.Error(), Retries: retries}
		}
	}

	return &Result{Error: fmt.Sprintf("execution failed after %d retries: %v", retries, lastErr), Retries: retries}
}

// NormalizeResult converts an arbitrary tool return value into the
// content-item form stored on the tool block.
func NormalizeResult(raw interface{}) []Item {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return []Item{{Kind: ItemText, Text: v}}
	case Item:
		return []Item{v}
	case []Item:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return []Item{{Kind: ItemText, Text: fmt.Sprintf("%v", v)}}
		}
		return []Item{{Kind: ItemText, Text: string(b)}}
	}
}

func validateArgs(def *Definition, args json.RawMessage) error {
	if def.Parameters == nil {
		return nil
	}
	schemaBytes, err := json.Marshal(def.Parameters)
	if err != nil {
		return errors.Wrap(err, "marshal tool schema")
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewBytesLoader(args),
	)
	if err != nil {
		return errors.Wrap(err, "validate tool arguments")
	}
	if !result.Valid() {
		msg := "invalid tool arguments"
		for _, desc := range result.Errors() {
			msg += ": " + desc.String()
		}
		return errors.New(msg)
	}
	return nil
}
