package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitabwire/stepflow/model"
)

// Unspecified is the factory used by definitions that name none. It loads
// nothing and asks for no object lock, so runs are serialized on the
// status row identity.
var Unspecified model.ObjectFactory = unspecifiedFactory{}

type unspecifiedFactory struct{}

func (unspecifiedFactory) LockRef(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func (unspecifiedFactory) Read(context.Context, string, string, bool) (any, error) {
	return nil, nil
}

func (unspecifiedFactory) Variable(path string, _ any) (any, error) {
	return nil, model.NewEngineError(model.ErrInvalidVariable,
		fmt.Sprintf("variable %q cannot be read without an object factory", path))
}

// MapFactory serves objects represented as nested maps, loaded by a
// caller-supplied function. It is the factory most tests and simple
// integrations need.
type MapFactory struct {
	// Load returns the object for ref.
	Load func(ctx context.Context, ref string) (map[string]any, error)
	// Lock, when true, locks per object using the object reference.
	Lock bool
}

// LockRef returns the object reference when per-object locking is on.
func (f *MapFactory) LockRef(_ context.Context, objectRef string) (string, bool, error) {
	if !f.Lock {
		return "", false, nil
	}
	return objectRef, true, nil
}

// Read loads the object.
func (f *MapFactory) Read(ctx context.Context, objectRef, _ string, _ bool) (any, error) {
	if f.Load == nil {
		return map[string]any{}, nil
	}
	return f.Load(ctx, objectRef)
}

// Variable resolves a dotted path in the object.
func (f *MapFactory) Variable(path string, data any) (any, error) {
	return ResolvePath(data, path)
}

// ResolvePath walks a dotted path through nested maps. A missing leaf
// resolves to nil; walking through a non-map is an INVALID_VARIABLE error.
func ResolvePath(data any, path string) (any, error) {
	if path == "" {
		return nil, model.NewEngineError(model.ErrInvalidVariable, "variable path is empty")
	}
	cur := data
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case nil:
			return nil, nil
		case map[string]any:
			cur = m[part]
		case model.Parameters:
			cur = m[part]
		default:
			return nil, model.NewEngineError(model.ErrInvalidVariable,
				fmt.Sprintf("variable %q: cannot index %T with %q", path, cur, part))
		}
	}
	return cur, nil
}
