package tools

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// Definition represents a tool that can be called by the model.
type Definition struct {
	// PluginID identifies the plugin the tool belongs to; tools from
	// different plugins may share short names.
	PluginID    string             `json:"pluginID,omitempty"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
	Function    Func               `json:"-"`
	Tags        []string           `json:"tags,omitempty"`
}

// Func wraps the actual Go function with pre-compiled executors.
type Func struct {
	Fn          interface{}                                        `json:"-"`
	executorCtx func(context.Context, []byte) (interface{}, error) `json:"-"`
	inputType   reflect.Type                                       `json:"-"`
}

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// NewToolFromFunc builds a Definition from a Go function. Supported
// signatures:
//
//	func(Input) (Result, error)
//	func(context.Context, Input) (Result, error)
//	func(context.Context) (Result, error)
//	func() (Result, error)
//
// The JSON schema for the tool parameters is reflected from the Input
// struct.
func NewToolFromFunc(name, description string, fn interface{}) (*Definition, error) {
	funcType := reflect.TypeOf(fn)
	if funcType == nil || funcType.Kind() != reflect.Func {
		return nil, errors.New("provided value is not a function")
	}

	if funcType.NumOut() == 0 || funcType.NumOut() > 2 {
		return nil, errors.New("function must return (result) or (result, error)")
	}
	if funcType.NumOut() == 2 && !funcType.Out(1).Implements(errorType) {
		return nil, errors.New("second return value must be an error")
	}

	inputType, err := funcInputType(funcType)
	if err != nil {
		return nil, err
	}

	schema, err := schemaForInput(inputType)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate schema")
	}

	return &Definition{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Function: Func{
			Fn:          fn,
			executorCtx: makeExecutor(reflect.ValueOf(fn), funcType, inputType),
			inputType:   inputType,
		},
	}, nil
}

// Execute calls the tool function with the provided JSON arguments.
func (tf *Func) Execute(ctx context.Context, args []byte) (interface{}, error) {
	if tf.executorCtx == nil {
		return nil, errors.New("tool function not properly initialized")
	}
	return tf.executorCtx(ctx, args)
}

// Call is a request to execute a tool.
type Call struct {
	ID       string          `json:"id"`
	PluginID string          `json:"pluginID,omitempty"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
}

type ItemKind string

const (
	ItemText  ItemKind = "text"
	ItemFile  ItemKind = "file"
	ItemQuote ItemKind = "quote"
)

// Item is one unit of a normalized tool result.
type Item struct {
	Kind ItemKind `json:"kind"`
	Text string   `json:"text,omitempty"`
	Name string   `json:"name,omitempty"`
	Ref  string   `json:"ref,omitempty"`
}

// Result is the normalized outcome of one tool execution.
type Result struct {
	ID       string        `json:"id"`
	Items    []Item        `json:"items,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Retries  int           `json:"retries,omitempty"`
}

func funcInputType(funcType reflect.Type) (reflect.Type, error) {
	switch funcType.NumIn() {
	case 0:
		return nil, nil
	case 1:
		if funcType.In(0) == contextType {
			return nil, nil
		}
		return funcType.In(0), nil
	case 2:
		if funcType.In(0) != contextType {
			return nil, errors.New("two-arg tool function must be (context.Context, Input)")
		}
		return funcType.In(1), nil
	default:
		return nil, errors.New("function must take (Input) or (context.Context, Input)")
	}
}

func schemaForInput(inputType reflect.Type) (*jsonschema.Schema, error) {
	if inputType == nil {
		return &jsonschema.Schema{Type: "object"}, nil
	}
	inputInstance := reflect.New(inputType).Elem().Interface()
	reflector := jsonschema.Reflector{
		// Expand definitions inline instead of using $refs, for
		// provider compatibility.
		DoNotReference: true,
	}
	schema := reflector.Reflect(inputInstance)
	if schema.Type == "" && schema.Ref == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func makeExecutor(funcValue reflect.Value, funcType reflect.Type, inputType reflect.Type) func(context.Context, []byte) (interface{}, error) {
	wantsContext := funcType.NumIn() > 0 && funcType.In(0) == contextType

	return func(ctx context.Context, args []byte) (interface{}, error) {
		var in []reflect.Value
		if wantsContext {
			in = append(in, reflect.ValueOf(ctx))
		}
		if inputType != nil {
			input := reflect.New(inputType).Interface()
			if len(args) > 0 {
				if err := json.Unmarshal(args, input); err != nil {
					return nil, errors.Wrap(err, "failed to unmarshal arguments")
				}
			}
			in = append(in, reflect.ValueOf(input).Elem())
		}

		return extractResults(funcValue.Call(in))
	}
}

func extractResults(results []reflect.Value) (interface{}, error) {
	switch len(results) {
	case 1:
		return results[0].Interface(), nil
	case 2:
		result := results[0].Interface()
		if errInterface := results[1].Interface(); errInterface != nil {
			if err, ok := errInterface.(error); ok {
				return result, err
			}
			return result, errors.Errorf("unexpected error type: %T", errInterface)
		}
		return result, nil
	default:
		return nil, errors.Errorf("unexpected number of return values: %d", len(results))
	}
}
