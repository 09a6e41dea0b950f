// Package shadow implements the MQTT device-shadow protocol of
// spec.md §4.4: a desired/reported/delta document per named shadow,
// kept in sync with the cloud over a fixed topic scheme.
package shadow

// topicSet holds the six topics one shadow name maps to, derived once
// per Engine from the device uuid and shadow name.
type topicSet struct {
	update         string
	updateAccepted string
	updateRejected string
	updateDelta    string
	get            string
	getAccepted    string
}

func newTopicSet(deviceUUID, shadowName string) topicSet {
	base := "$iot/device/" + deviceUUID + "/shadow/name/" + shadowName
	update := base + "/update"
	get := base + "/get"
	return topicSet{
		update:         update,
		updateAccepted: update + "/accepted",
		updateRejected: update + "/rejected",
		updateDelta:    update + "/delta",
		get:            get,
		getAccepted:    get + "/accepted",
	}
}
