// Package codemode collapses an upstream server's tool surface into a
// single sandboxed script-execution tool. It generates type declarations
// and a runtime client for the server's tools, evaluates user scripts in
// an embedded JavaScript VM, and relays inner tool invocations back to the
// upstream through an RPC callback.
package codemode

import (
	"strings"
	"unicode"
)

// identifierTable keeps the reversible mapping between script-safe
// identifiers and the original MCP names. Canonicalization is total: every
// original name maps to exactly one identifier, and the original spelling
// is recoverable through the table.
type identifierTable struct {
	toOriginal map[string]string
	toCanon    map[string]string
}

func newIdentifierTable() *identifierTable {
	return &identifierTable{
		toOriginal: make(map[string]string),
		toCanon:    make(map[string]string),
	}
}

// put registers an original name under its canonical identifier. Collisions
// are disambiguated with a numeric suffix so the mapping stays bijective.
func (t *identifierTable) put(original, canon string) string {
	if existing, ok := t.toCanon[original]; ok {
		return existing
	}
	unique := canon
	for i := 2; ; i++ {
		if _, taken := t.toOriginal[unique]; !taken {
			break
		}
		unique = canon + itoa(i)
	}
	t.toOriginal[unique] = original
	t.toCanon[original] = unique
	return unique
}

// original returns the original name for a canonical identifier.
func (t *identifierTable) original(canon string) (string, bool) {
	orig, ok := t.toOriginal[canon]
	return orig, ok
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [8]byte
	pos := len(b)
	for i > 0 {
		pos--
		b[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(b[pos:])
}

// camelIdentifier converts an MCP name to a script-safe camelCase
// identifier, splitting on '_' and '-'. "get_weather" becomes "getWeather".
func camelIdentifier(name string) string {
	return buildIdentifier(name, false)
}

// pascalIdentifier converts a server name to PascalCase for namespace and
// type names. "weather-api" becomes "WeatherApi".
func pascalIdentifier(name string) string {
	return buildIdentifier(name, true)
}

func buildIdentifier(name string, upperFirst bool) string {
	var b strings.Builder
	upperNext := upperFirst
	wroteAny := false
	for _, r := range name {
		switch {
		case r == '_' || r == '-' || r == ' ' || r == '.':
			upperNext = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !wroteAny && unicode.IsDigit(r) {
				b.WriteByte('_')
			}
			if upperNext {
				b.WriteRune(unicode.ToUpper(r))
			} else if !wroteAny && !upperFirst {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(r)
			}
			upperNext = false
			wroteAny = true
		default:
			// Strip anything that cannot appear in an identifier.
		}
	}
	if !wroteAny {
		return "_"
	}
	return b.String()
}
