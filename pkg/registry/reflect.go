package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/job"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	managerType = reflect.TypeOf((*job.Manager)(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Reflect adapts a plain function into a job body. Accepted signatures take,
// in order, an optional context.Context, an optional *job.Manager and an
// optional payload argument, and return either error or (R, error):
//
//	func(ctx context.Context, args T) error
//	func(ctx context.Context, m *job.Manager, args T) (R, error)
//	func(args T) error
//
// The payload is decoded from JSON into T. A decode failure is a
// validation error.
func Reflect(fn any) (job.Body, error) {
	if fn == nil {
		return nil, fmt.Errorf("body cannot be nil")
	}
	fnVal := reflect.ValueOf(fn)
	if fnVal.Kind() != reflect.Func {
		return nil, fmt.Errorf("body must be a function, got %T", fn)
	}
	if fnVal.IsNil() {
		return nil, fmt.Errorf("body function cannot be nil")
	}
	fnType := fnVal.Type()

	var (
		hasContext bool
		hasManager bool
		argsType   reflect.Type
	)
	for i := 0; i < fnType.NumIn(); i++ {
		in := fnType.In(i)
		switch {
		case i == 0 && in.Implements(contextType):
			hasContext = true
		case in == managerType && !hasManager && argsType == nil:
			hasManager = true
		case argsType == nil:
			argsType = in
		default:
			return nil, fmt.Errorf("body has unexpected argument %d of type %s", i, in)
		}
	}

	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(errorType) {
			return nil, fmt.Errorf("body must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(errorType) {
			return nil, fmt.Errorf("body must return (T, error)")
		}
	default:
		return nil, fmt.Errorf("body must return error or (T, error)")
	}

	return func(ctx context.Context, m *job.Manager, inv core.Invocation) (any, error) {
		args := make([]reflect.Value, 0, 3)
		if hasContext {
			args = append(args, reflect.ValueOf(ctx))
		}
		if hasManager {
			args = append(args, reflect.ValueOf(m))
		}
		if argsType != nil {
			argVal := reflect.New(argsType)
			if len(inv.Payload) > 0 {
				if err := json.Unmarshal(inv.Payload, argVal.Interface()); err != nil {
					return nil, core.Validation(fmt.Errorf("decode %s payload: %w", inv.JobType, err))
				}
			}
			args = append(args, argVal.Elem())
		}

		results := fnVal.Call(args)
		errVal := results[len(results)-1]
		var err error
		if !errVal.IsNil() {
			err = errVal.Interface().(error)
		}
		if len(results) == 1 || err != nil {
			return nil, err
		}
		return results[0].Interface(), nil
	}, nil
}
