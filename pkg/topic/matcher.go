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

// Package topic implements MQTT topic filter matching and validation, and a
// small thread-safe set of the filters a broker connection is subscribed to.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Separator splits topic levels.
	Separator = "/"
	// SingleLevel is the single-level wildcard.
	SingleLevel = "+"
	// MultiLevel is the multi-level wildcard. It is only valid as the last level.
	MultiLevel = "#"
	// SystemPrefix starts broker-internal topics such as $SYS.
	SystemPrefix = "$"

	maxTopicLength = 65535
)

var (
	// ErrEmpty is returned for empty topics and filters.
	ErrEmpty = errors.New("topic is empty")
	// ErrTooLong is returned when a topic exceeds the MQTT length limit.
	ErrTooLong = errors.New("topic exceeds 65535 bytes")
	// ErrInvalidWildcard is returned for misplaced wildcards in a filter.
	ErrInvalidWildcard = errors.New("invalid wildcard placement")
	// ErrWildcardInTopic is returned when a publish topic contains a wildcard.
	ErrWildcardInTopic = errors.New("wildcards are not allowed in a publish topic")
	// ErrNullCharacter is returned when a topic contains U+0000.
	ErrNullCharacter = errors.New("topic contains a null character")
)

// Matches reports whether the concrete topic matches the subscription
// pattern. Patterns are expected to have passed ValidateFilter; a pattern
// with a misplaced '#' never matches. Topics starting with '$' are not
// matched by a leading wildcard.
func Matches(pattern, topic string) bool {
	if !IsWildcard(pattern) {
		return pattern == topic
	}
	if strings.HasPrefix(topic, SystemPrefix) &&
		(strings.HasPrefix(pattern, SingleLevel) || strings.HasPrefix(pattern, MultiLevel)) {
		return false
	}

	filterSegments := strings.Split(pattern, Separator)
	topicSegments := strings.Split(topic, Separator)

	filterLen := len(filterSegments)
	topicLen := len(topicSegments)

	for i := 0; i < filterLen; i++ {
		segment := filterSegments[i]

		if segment == MultiLevel {
			// '#' also matches the parent level itself, so "a/#" matches "a".
			return i == filterLen-1
		}

		if i >= topicLen {
			return false
		}

		if segment != SingleLevel && segment != topicSegments[i] {
			return false
		}
	}

	return topicLen == filterLen
}

// ValidateFilter checks a subscription pattern. '#' must be the last level
// and both wildcards must occupy a whole level.
func ValidateFilter(pattern string) error {
	if err := validateCommon(pattern); err != nil {
		return err
	}

	segments := strings.Split(pattern, Separator)
	for i, segment := range segments {
		switch {
		case segment == MultiLevel:
			if i != len(segments)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidWildcard, pattern)
			}
		case segment == SingleLevel:
		case strings.ContainsAny(segment, SingleLevel+MultiLevel):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidWildcard, pattern)
		}
	}
	return nil
}

// ValidateTopic checks a concrete topic used for publishing.
func ValidateTopic(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, SingleLevel+MultiLevel) {
		return fmt.Errorf("%w: %q", ErrWildcardInTopic, topic)
	}
	return nil
}

// IsWildcard reports whether pattern contains a wildcard level.
func IsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, SingleLevel+MultiLevel)
}

func validateCommon(s string) error {
	if s == "" {
		return ErrEmpty
	}
	if len(s) > maxTopicLength {
		return ErrTooLong
	}
	if strings.IndexByte(s, 0) >= 0 {
		return ErrNullCharacter
	}
	return nil
}
