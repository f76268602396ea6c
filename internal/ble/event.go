package ble

import "github.com/chaz8081/bluenet-core/internal/events"

// AdapterStateChanged reports the adapter being powered on or off.
type AdapterStateChanged struct {
	Enabled bool
}

func (AdapterStateChanged) Topic() events.Topic { return events.TopicAdapterState }
