package tool

// Builtins returns the standard local tool set.
func Builtins() []Tool {
	return []Tool{
		NewBash(),
		NewRead(),
		NewWrite(),
		NewEdit(),
		NewGlob(),
		NewGrep(),
	}
}
