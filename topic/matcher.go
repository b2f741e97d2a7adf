package topic

import "strings"

// ValidTopicName reports whether name is usable as a PUBLISH topic name:
// non-empty, no wildcard characters, no embedded NUL.
func ValidTopicName(name string) bool {
	if name == "" {
		return false
	}
	if strings.ContainsAny(name, "+#") {
		return false
	}
	return !strings.ContainsRune(name, 0)
}

// ValidTopicFilter reports whether filter is a well-formed subscription
// filter: '+' and '#' only occupy a whole level, '#' only appears as the
// last level, and the filter is not empty.
func ValidTopicFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case strings.Contains(level, "#"):
			return false
		case level == "+":
		case strings.Contains(level, "+"):
			return false
		}
	}
	return true
}

// ShareName, if filter begins with "$share/<group>/<rest>", returns group
// and rest and ok=true. The group must be non-empty and free of '/', '+'
// and '#'; rest must be non-empty.
func ShareName(filter string) (group string, rest string, ok bool) {
	const prefix = "$share/"
	if !strings.HasPrefix(filter, prefix) {
		return "", "", false
	}
	body := filter[len(prefix):]
	idx := strings.IndexByte(body, '/')
	if idx <= 0 {
		return "", "", false
	}
	group, rest = body[:idx], body[idx+1:]
	if rest == "" || strings.ContainsAny(group, "/+#") {
		return "", "", false
	}
	return group, rest, true
}

// Match reports whether topic (a concrete topic name) matches filter (a
// subscription filter, with $share/ prefix already stripped by the caller).
// A filter level of '#' matches the rest of the topic, including zero
// levels. A filter level of '+' matches exactly one topic level. Topics
// beginning with '$' are never matched by a filter whose first level is a
// wildcard ('+' or '#'), per MQTT-4.7.2-1.
func Match(filter, topicName string) bool {
	if filter == topicName {
		return true
	}
	fLevels := strings.Split(filter, "/")
	tLevels := strings.Split(topicName, "/")

	if len(tLevels) > 0 && strings.HasPrefix(tLevels[0], "$") {
		if fLevels[0] == "+" || fLevels[0] == "#" {
			return false
		}
	}

	i := 0
	for ; i < len(fLevels); i++ {
		if fLevels[i] == "#" {
			return true
		}
		if i >= len(tLevels) {
			return false
		}
		if fLevels[i] == "+" {
			continue
		}
		if fLevels[i] != tLevels[i] {
			return false
		}
	}
	return i == len(tLevels)
}
