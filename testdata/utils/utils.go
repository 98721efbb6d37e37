package utils

// Ptr returns a pointer to v; test fixtures use it for nullable fields.
func Ptr[T any](v T) *T {
	return &v
}
