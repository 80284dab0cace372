package config

import (
	"regexp"
	"strconv"
	"strings"
)

var intPattern = regexp.MustCompile(`^-?\d+$`)

// ParseValue coerces a command-line value: true/yes and false/no become
// booleans, integer text becomes an int, anything else stays a string.
func ParseValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}
	if intPattern.MatchString(s) {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return s
}

// FlagKey converts --dash-case to UPPER_SNAKE_CASE.
func FlagKey(flag string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimPrefix(flag, "--"), "-", "_"))
}

// ParseArgs splits argv into an optional config path (the first token, when
// it does not start with "--") and the ordered --KEY value overrides. A flag
// with no following value token is true. Tokens that are neither are skipped.
func ParseArgs(argv []string) (configArg string, overrides *Values) {
	overrides = NewValues()
	rest := argv
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "--") {
		configArg = rest[0]
		rest = rest[1:]
	}
	for i := 0; i < len(rest); {
		tok := rest[i]
		if !strings.HasPrefix(tok, "--") {
			i++
			continue
		}
		key := FlagKey(tok)
		if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "--") {
			overrides.Set(key, ParseValue(rest[i+1]))
			i += 2
			continue
		}
		overrides.Set(key, true)
		i++
	}
	return configArg, overrides
}
