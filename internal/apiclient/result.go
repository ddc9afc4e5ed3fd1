package apiclient

// Result is a settled call: either Value is usable or Err is set.
type Result[T any] struct {
	Value T
	Err   error
}

// Settle wraps the return values of a Client method.
func Settle[T any](v T, err error) Result[T] {
	return Result[T]{Value: v, Err: err}
}

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}
