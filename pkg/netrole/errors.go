package netrole

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProbeTimeout marks a link sample that did not complete in time. It
	// only turns the sample unhealthy and is never escalated on its own.
	ErrProbeTimeout = errors.New("probe timeout")

	// ErrServiceFailed is the terminal supervisor fault: the retry ceiling was
	// reached and only an explicit reset starts the service again.
	ErrServiceFailed = errors.New("service failed")
)

// ConflictError is a configuration-level fault: the requested roles cannot be
// held together by the hardware of one exclusive group.
type ConflictError struct {
	Group      string
	Interfaces []string
	Roles      []Role
	Reason     string
}

func (e *ConflictError) Error() string {
	roles := make([]string, 0, len(e.Roles))
	for _, r := range e.Roles {
		roles = append(roles, r.String())
	}
	return fmt.Sprintf(
		"role conflict in exclusive group %s: %s (interfaces [%s], roles [%s])",
		e.Group, e.Reason, strings.Join(e.Interfaces, ","), strings.Join(roles, ","),
	)
}

// ConflictGroups extracts every conflicting group from a possibly joined error.
func ConflictGroups(err error) []string {
	var groups []string
	walkErrors(err, func(e error) {
		var conflict *ConflictError
		if errors.As(e, &conflict) {
			groups = append(groups, conflict.Group)
		}
	})
	return groups
}

func walkErrors(err error, fn func(error)) {
	if err == nil {
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			walkErrors(e, fn)
		}
		return
	}
	if _, ok := err.(*ConflictError); !ok {
		if inner := errors.Unwrap(err); inner != nil {
			walkErrors(inner, fn)
			return
		}
	}
	fn(err)
}

// RouteApplyError is returned when a default route could not be installed.
// RollbackFailed means the previous route could not be restored either and
// the host may be unreachable.
type RouteApplyError struct {
	Interface      string
	Previous       string
	Err            error
	RollbackErr    error
	RollbackFailed bool
}

func (e *RouteApplyError) Error() string {
	if e.RollbackFailed {
		return fmt.Sprintf(
			"failed to apply default route via %s: %v; rollback to %s failed: %v",
			e.Interface, e.Err, e.Previous, e.RollbackErr,
		)
	}
	return fmt.Sprintf("failed to apply default route via %s: %v (restored %s)", e.Interface, e.Err, e.Previous)
}

func (e *RouteApplyError) Unwrap() error {
	return e.Err
}

type ServiceStartError struct {
	Interface string
	Stage     string
	Err       error
}

func (e *ServiceStartError) Error() string {
	return fmt.Sprintf("failed to start access point on %s at %s: %v", e.Interface, e.Stage, e.Err)
}

func (e *ServiceStartError) Unwrap() error {
	return e.Err
}

// InvariantViolation is a programmer-facing error: a component was asked to
// do something the current role assignment does not allow. The action is refused.
type InvariantViolation struct {
	Interface string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Interface, e.Detail)
}
