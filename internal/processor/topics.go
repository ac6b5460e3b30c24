package processor

import (
	"strings"

	"github.com/forest-iot/forest/internal/broker"
	"github.com/forest-iot/forest/internal/models"
)

// TopicKind classifies an inbound topic.
type TopicKind int

const (
	KindUnknown TopicKind = iota
	KindShadowUpdate
	KindShadowDelta
	KindDataUpdate
	KindTimeRequest
)

// ParsedTopic is the identity extracted from a topic. Dev keeps the
// raw device segment (possibly "<tenant>.<device>") for building
// response topics.
type ParsedTopic struct {
	Kind       TopicKind
	Dev        string
	TenantID   models.TenantID
	DeviceID   string
	ShadowName models.ShadowName
}

// splitDev separates an optional "<tenant>." prefix from a device
// segment.
func splitDev(dev string) (models.TenantID, string) {
	if i := strings.Index(dev, "."); i >= 0 {
		return models.NewDefaultString(dev[:i]), dev[i+1:]
	}
	return models.TenantID{}, dev
}

// ParseTopic classifies one topic. Telemetry patterns are checked
// before the fixed shadow/time grammar, so a registered pattern claims
// any topic it matches.
func ParseTopic(topic, prefix string, telemetryTopics []string) ParsedTopic {
	for _, pattern := range telemetryTopics {
		if !broker.MatchTopic(pattern, topic) {
			continue
		}
		dev, ok := firstWildcardSegment(pattern, topic)
		if !ok {
			continue
		}
		tenant, deviceID := splitDev(dev)
		return ParsedTopic{Kind: KindDataUpdate, Dev: dev, TenantID: tenant, DeviceID: deviceID}
	}

	if strings.HasPrefix(topic, prefix) {
		rest := strings.TrimPrefix(topic, prefix)
		parts := strings.Split(rest, "/")
		if len(parts) >= 2 {
			dev := parts[0]
			tenant, deviceID := splitDev(dev)
			tail := parts[1:]
			switch {
			case len(tail) == 2 && tail[0] == "shadow" && tail[1] == "update":
				return ParsedTopic{Kind: KindShadowUpdate, Dev: dev, TenantID: tenant, DeviceID: deviceID}
			case len(tail) == 3 && tail[0] == "shadow" && tail[1] == "update" && tail[2] == "delta":
				return ParsedTopic{Kind: KindShadowDelta, Dev: dev, TenantID: tenant, DeviceID: deviceID}
			case len(tail) == 3 && tail[0] == "shadow" && tail[2] == "update":
				return ParsedTopic{
					Kind: KindShadowUpdate, Dev: dev, TenantID: tenant, DeviceID: deviceID,
					ShadowName: models.NewDefaultString(tail[1]),
				}
			case len(tail) == 4 && tail[0] == "shadow" && tail[2] == "update" && tail[3] == "delta":
				return ParsedTopic{
					Kind: KindShadowDelta, Dev: dev, TenantID: tenant, DeviceID: deviceID,
					ShadowName: models.NewDefaultString(tail[1]),
				}
			case len(tail) == 1 && tail[0] == "data":
				return ParsedTopic{Kind: KindDataUpdate, Dev: dev, TenantID: tenant, DeviceID: deviceID}
			case len(tail) == 2 && tail[0] == "time" && tail[1] == "request":
				return ParsedTopic{Kind: KindTimeRequest, Dev: dev, TenantID: tenant, DeviceID: deviceID}
			}
		}
	}
	return ParsedTopic{Kind: KindUnknown}
}

// firstWildcardSegment returns the topic segment matched by the first
// "+" in the pattern.
func firstWildcardSegment(pattern, topic string) (string, bool) {
	pparts := strings.Split(pattern, "/")
	tparts := strings.Split(topic, "/")
	for i, pp := range pparts {
		if pp == "+" && i < len(tparts) {
			return tparts[i], true
		}
	}
	return "", false
}
