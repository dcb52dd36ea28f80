// Package infostring handles the \key\value strings used for userinfo,
// serverinfo and systeminfo. Keys compare case insensitively.
package infostring

import (
	"fmt"
	"strings"
)

const (
	MaxInfoString = 1024
	BigInfoString = 8192
)

type InvalidCharacterError struct {
	Text string
}

func (e *InvalidCharacterError) Error() string {
	return fmt.Sprintf("info string text %q contains one of \\ ; \"", e.Text)
}

type TooLongError struct {
	Length int
	Limit  int
}

func (e *TooLongError) Error() string {
	return fmt.Sprintf("info string length %d exceeds %d", e.Length, e.Limit)
}

type Pair struct {
	Key   string
	Value string
}

// Pairs splits s into its key/value pairs in order. A trailing key without a
// value is paired with the empty string.
func Pairs(s string) []Pair {
	s = strings.TrimPrefix(s, "\\")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\\")
	out := make([]Pair, 0, (len(parts)+1)/2)
	for i := 0; i < len(parts); i += 2 {
		p := Pair{Key: parts[i]}
		if i+1 < len(parts) {
			p.Value = parts[i+1]
		}
		out = append(out, p)
	}
	return out
}

func ValueForKey(s, key string) string {
	for _, p := range Pairs(s) {
		if strings.EqualFold(p.Key, key) {
			return p.Value
		}
	}
	return ""
}

func RemoveKey(s, key string) string {
	var sb strings.Builder
	for _, p := range Pairs(s) {
		if strings.EqualFold(p.Key, key) {
			continue
		}
		sb.WriteString("\\" + p.Key + "\\" + p.Value)
	}
	return sb.String()
}

// SetValueForKey replaces or appends key. An empty value removes the key.
func SetValueForKey(s, key, value string, limit int) (string, error) {
	if limit <= 0 {
		limit = MaxInfoString
	}
	if !ValidText(key) {
		return s, &InvalidCharacterError{Text: key}
	}
	if !ValidText(value) {
		return s, &InvalidCharacterError{Text: value}
	}

	out := RemoveKey(s, key)
	if value == "" {
		return out, nil
	}
	out += "\\" + key + "\\" + value
	if len(out) >= limit {
		return s, &TooLongError{Length: len(out), Limit: limit}
	}
	return out, nil
}

func ValidText(s string) bool {
	return !strings.ContainsAny(s, `\;"`)
}

// Validate rejects strings that cannot be transmitted inside a quoted command.
func Validate(s string) bool {
	return !strings.ContainsAny(s, "\";")
}

func Build(pairs ...Pair) string {
	var sb strings.Builder
	for _, p := range pairs {
		if p.Value == "" {
			continue
		}
		sb.WriteString("\\" + p.Key + "\\" + p.Value)
	}
	return sb.String()
}
