// Package to contains small pointer conversion helpers.
package to

// Ptr returns a pointer to the given value.
func Ptr[T any](value T) *T {
	return &value
}

// Value dereferences the given pointer, returning the zero value when nil.
func Value[T any](ptr *T) T {
	if ptr == nil {
		var zero T
		return zero
	}
	return *ptr
}

// EmptyString dereferences the given string pointer, returning "" when nil.
func EmptyString(ptr *string) string {
	return Value(ptr)
}
