package mqtt

import "fmt"

// TopicRoot is the first level of every topic this service uses.
const TopicRoot = "srx"

// Topics builds site-scoped topic names.
//
//	topics := mqtt.Topics{Site: "srx"}
//	topics.SequenceProjection() // "srx/srx/sequence/projection"
type Topics struct {
	Site string
}

func (t Topics) prefix() string {
	return fmt.Sprintf("%s/%s", TopicRoot, t.Site)
}

// SystemStatus carries the retained online/offline document and the LWT.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// SequenceStatus carries the retained snapshot of the current sequence run.
func (t Topics) SequenceStatus() string {
	return t.prefix() + "/sequence/status"
}

// SequenceProjection receives one event per completed projection.
func (t Topics) SequenceProjection() string {
	return t.prefix() + "/sequence/projection"
}

// SequenceControl is subscribed to for operator commands such as stop.
func (t Topics) SequenceControl() string {
	return t.prefix() + "/sequence/control"
}

// ProcessingRun receives one event per finished reconstruction.
func (t Topics) ProcessingRun() string {
	return t.prefix() + "/processing/run"
}

// AllSite matches every topic under the site.
func (t Topics) AllSite() string {
	return t.prefix() + "/#"
}
