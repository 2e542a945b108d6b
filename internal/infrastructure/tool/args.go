package tool

// Argument readers for handler use. The registry has already validated the
// shape against the tool's schema, so these only need to bridge JSON's
// float64 numbers back to ints.

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}
