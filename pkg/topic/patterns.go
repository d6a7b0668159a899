// Copyright 2024 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package topic

import (
	"sort"
	"sync"
)

// PatternSet is a thread-safe mapping of subscription patterns to the QoS
// they were granted with. Each broker connection handle owns one.
type PatternSet struct {
	patterns map[string]byte
	mu       sync.RWMutex
}

// NewPatternSet creates an empty PatternSet.
func NewPatternSet() *PatternSet {
	return &PatternSet{
		patterns: make(map[string]byte),
	}
}

// Add records pattern with qos. Adding an existing pattern updates its QoS.
// It reports whether the pattern was new.
func (s *PatternSet) Add(pattern string, qos byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.patterns[pattern]
	s.patterns[pattern] = qos
	return !exists
}

// Remove deletes pattern and reports whether it was present.
func (s *PatternSet) Remove(pattern string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.patterns[pattern]; !ok {
		return false
	}
	delete(s.patterns, pattern)
	return true
}

// QoS returns the QoS recorded for pattern.
func (s *PatternSet) QoS(pattern string) (byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qos, ok := s.patterns[pattern]
	return qos, ok
}

// Has reports whether pattern is in the set.
func (s *PatternSet) Has(pattern string) bool {
	_, ok := s.QoS(pattern)
	return ok
}

// Len returns the number of patterns.
func (s *PatternSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// Patterns returns a sorted copy of all patterns.
func (s *PatternSet) Patterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.patterns))
	for p := range s.patterns {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Match returns every pattern in the set that matches the concrete topic,
// sorted. Overlapping wildcards yield more than one pattern.
func (s *PatternSet) Match(topic string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []string
	for p := range s.patterns {
		if Matches(p, topic) {
			matched = append(matched, p)
		}
	}
	sort.Strings(matched)
	return matched
}

// Clear removes every pattern and returns what was removed.
func (s *PatternSet) Clear() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make([]string, 0, len(s.patterns))
	for p := range s.patterns {
		removed = append(removed, p)
	}
	s.patterns = make(map[string]byte)
	sort.Strings(removed)
	return removed
}
