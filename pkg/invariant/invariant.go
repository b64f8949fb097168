// Package invariant provides assertions for internal consistency checks.
// A failed check is a programming error: it panics with a *Violation and is
// never clamped or ignored.
package invariant

import "fmt"

// Violation describes a broken internal invariant.
type Violation struct {
	Msg string
}

func (v *Violation) Error() string {
	return "invariant violated: " + v.Msg
}

// Check panics with a *Violation when cond is false.
func Check(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(&Violation{Msg: fmt.Sprintf(format, args...)})
	}
}

// Recover converts a recovered *Violation into an error. Any other panic value
// is re-raised. Use as: defer invariant.Recover(&err).
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if v, ok := r.(*Violation); ok {
		*errp = v
		return
	}
	panic(r)
}
