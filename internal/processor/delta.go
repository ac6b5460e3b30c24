package processor

import "github.com/forest-iot/forest/internal/shadow"

// DeltaReturnTopic is where a shadow's delta is published, derived
// from the shadow's own identity.
func DeltaReturnTopic(prefix string, sh *shadow.Shadow) string {
	dev := sh.DeviceID
	if !sh.TenantID.IsDefault() {
		dev = sh.TenantID.String() + "." + sh.DeviceID
	}
	if sh.ShadowName.IsDefault() {
		return prefix + dev + "/shadow/update/delta"
	}
	return prefix + dev + "/shadow/" + sh.ShadowName.String() + "/update/delta"
}

// SendDelta publishes the shadow's delta envelope to its return topic.
// Reports whether anything was sent; an empty delta sends nothing.
func SendDelta(sh *shadow.Shadow, pub Publisher, prefix string) (bool, error) {
	payload, err := sh.DeltaResponseJSON()
	if err != nil {
		return false, err
	}
	if payload == nil {
		return false, nil
	}
	if err := pub.Publish(DeltaReturnTopic(prefix, sh), payload); err != nil {
		return false, err
	}
	return true, nil
}
