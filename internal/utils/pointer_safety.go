package utils

func Ptr[T any](v T) *T {
	return &v
}

// FirstNonEmpty returns a unless it is empty, in which case it returns b.
func FirstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
