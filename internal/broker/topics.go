package broker

import "strings"

// MatchTopic reports whether an MQTT topic filter (with + and #
// wildcards) matches a concrete topic.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")
	for i, fp := range fparts {
		if fp == "#" {
			return true
		}
		if i >= len(tparts) {
			return false
		}
		if fp != "+" && fp != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}
