package model

import "context"

// Step is one unit of business logic driven by the runner.
//
// MayRun must be free of side effects. Execute may mutate data and write the
// well-known keys into params; returning an error or panicking signals an
// unexpected fault, distinct from a structured ReturnError.
type Step interface {
	// FactoryName names the object factory the step expects. ok is false for
	// generic steps that work with any object type.
	FactoryName() (name string, ok bool)
	MayRun(ctx context.Context, data any, params Parameters) RunnableCode
	Execute(ctx context.Context, data any, params Parameters) (ReturnCode, error)
}

// ObjectFactory loads domain objects of one type on behalf of the runner.
type ObjectFactory interface {
	// LockRef returns the reference to lock before touching the object. ok
	// is false when the type needs no object-level lock.
	LockRef(ctx context.Context, objectRef string) (ref string, ok bool, err error)

	// Read loads the object. lockHeld is true when the runner already holds
	// the lock for lockRef.
	Read(ctx context.Context, objectRef, lockRef string, lockHeld bool) (any, error)

	// Variable resolves a dotted path against a loaded object.
	Variable(path string, data any) (any, error)
}
