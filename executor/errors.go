package executor

import (
	"errors"
	"fmt"
)

var (
	ErrPoolClosed      = errors.New("pool closed")
	ErrSessionClosed   = errors.New("session closed")
	ErrObjectReleased  = errors.New("object released")
	ErrNotCallable     = errors.New("object not callable")
	ErrNotFound        = errors.New("name not found")
	ErrArity           = errors.New("wrong number of arguments")
	ErrDuplicateModule = errors.New("duplicate module name")
	ErrNotReplicable   = errors.New("object cannot be replicated")
	ErrReplicaClosed   = errors.New("replicated object closed")
	ErrInstanceInit    = errors.New("instance initialization failed")
)

// InstanceInitError reports the instance that failed while the pool was being
// built. It matches ErrInstanceInit under errors.Is.
type InstanceInitError struct {
	ID  int
	Err error
}

func (e *InstanceInitError) Error() string {
	return fmt.Sprintf("instance %d: %v: %v", e.ID, ErrInstanceInit, e.Err)
}

func (e *InstanceInitError) Unwrap() error { return e.Err }

func (e *InstanceInitError) Is(target error) bool { return target == ErrInstanceInit }

// CrossInstanceError is the panic value raised when an object is used from a
// session that does not own it. It is a programming error and is never
// returned.
type CrossInstanceError struct {
	Object  int // instance the object lives in
	Session int // instance of the session it was used from
	Reason  string
}

func (e *CrossInstanceError) Error() string {
	return fmt.Sprintf("object of instance %d used in session on instance %d: %s", e.Object, e.Session, e.Reason)
}
