package textutil

// Ternary is a generic conditional helper that returns a if cond is true, b otherwise.
func Ternary[T any](cond bool, a, b T) T {
	if cond {
		return a
	}
	return b
}

// YesNo renders a flag for tables and status lines.
func YesNo(v bool) string {
	return Ternary(v, "yes", "no")
}

// OnOff renders a switch state.
func OnOff(v bool) string {
	return Ternary(v, "on", "off")
}
