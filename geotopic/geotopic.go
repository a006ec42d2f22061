// Package geotopic handles geohash-addressed topic strings: normalization,
// validation against the geohash base32 alphabet, prefix matching and
// exhaustive namespace generation for the crawl mode.
package geotopic

import (
	"errors"
	"strings"
)

// Alphabet is the geohash base32 alphabet: digits and lowercase letters
// excluding a, i, l and o.
const Alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// ErrInvalidTopic is returned when a topic contains characters outside the
// geohash alphabet or is empty.
var ErrInvalidTopic = errors.New("invalid geohash topic")

var alphabetSet = func() map[rune]bool {
	m := make(map[rune]bool, len(Alphabet))
	for _, c := range Alphabet {
		m[c] = true
	}
	return m
}()

// Normalize lowercases a topic and validates it against the alphabet.
// The empty string is rejected; callers that allow "no topic" must check
// for emptiness before calling.
func Normalize(topic string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(topic))
	if !Valid(t) {
		return "", ErrInvalidTopic
	}
	return t, nil
}

// Valid reports whether the (already lowercased) topic is a non-empty string
// over the geohash alphabet.
func Valid(topic string) bool {
	if topic == "" {
		return false
	}
	for _, c := range topic {
		if !alphabetSet[c] {
			return false
		}
	}
	return true
}

// IsPrefixOf reports whether topic is a prefix of other or vice versa.
// Geohash cells nest by prefix, so an event tagged "u4pruy" is live for a
// user watching "u4p" and the other way around.
func IsPrefixOf(topic, other string) bool {
	if topic == "" || other == "" {
		return false
	}
	if len(topic) <= len(other) {
		return strings.HasPrefix(other, topic)
	}
	return strings.HasPrefix(topic, other)
}

// Namespace generates every topic of length 1..maxDepth over the alphabet,
// in generation order (all depth-1 cells first, then depth-2, ...).
// Depths beyond 2 are combinatorially impractical and are not generated.
func Namespace(maxDepth int) []string {
	if maxDepth > 2 {
		maxDepth = 2
	}
	var topics []string
	if maxDepth >= 1 {
		for _, c := range Alphabet {
			topics = append(topics, string(c))
		}
	}
	if maxDepth >= 2 {
		for _, c1 := range Alphabet {
			for _, c2 := range Alphabet {
				topics = append(topics, string(c1)+string(c2))
			}
		}
	}
	return topics
}
