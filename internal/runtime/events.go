package runtime

import (
	"encoding/json"
	"time"
)

// EventsTopic is the hub topic carrying runtime lifecycle events.
const EventsTopic = "runtimes"

// EventSink receives serialized lifecycle events for streaming clients.
type EventSink interface {
	Publish(topic string, payload []byte)
}

// Event is the JSON document published for every lifecycle transition.
type Event struct {
	Runtime  string `json:"runtime"`
	Event    string `json:"event"`
	Status   string `json:"status"`
	Instance string `json:"instance,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Detail   string `json:"detail,omitempty"`
	At       string `json:"at"`
}

func (c *Controller) publish(name, kind string, e *entry, detail string) {
	if c.sink == nil {
		return
	}
	ev := Event{
		Runtime:  name,
		Event:    kind,
		Status:   e.status.String(),
		Instance: e.instance,
		Detail:   detail,
		At:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	if e.status == StatusReady || e.status == StatusStarting {
		ev.Endpoint = e.endpoint
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.sink.Publish(EventsTopic, payload)
}
