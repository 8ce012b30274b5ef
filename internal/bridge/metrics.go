package bridge

import (
	"time"

	"github.com/nerrad567/loxone2mqtt/internal/miniserver"
)

// Metrics is a point-in-time view of the bridge for the diagnostics API.
type Metrics struct {
	MQTTConnected       bool `json:"mqtt_connected"`
	MiniserverConnected bool `json:"miniserver_connected"`

	StructureID       string     `json:"structure_id,omitempty"`
	StructureLoadedAt *time.Time `json:"structure_loaded_at,omitempty"`
	Paths             int        `json:"paths"`

	StructuresLoaded uint64 `json:"structures_loaded"`
	StatusPublished  uint64 `json:"status_published"`
	PublishErrors    uint64 `json:"publish_errors"`
	CommandsSent     uint64 `json:"commands_sent"`
	CommandsFailed   uint64 `json:"commands_failed"`
	CommandsIgnored  uint64 `json:"commands_ignored"`
	InvalidControls  uint64 `json:"invalid_controls"`
	ParseIssues      uint64 `json:"parse_issues"`
	Collisions       uint64 `json:"collisions"`
	SinkErrors       uint64 `json:"sink_errors"`

	Miniserver miniserver.Stats `json:"miniserver"`
}

// Metrics returns current bridge metrics.
func (b *Bridge) Metrics() Metrics {
	m := Metrics{
		MQTTConnected:       b.mqtt.IsConnected(),
		MiniserverConnected: b.ms.IsConnected(),
		StructuresLoaded:    b.counters.structuresLoaded.Load(),
		StatusPublished:     b.counters.statusPublished.Load(),
		PublishErrors:       b.counters.publishErrors.Load(),
		CommandsSent:        b.counters.commandsSent.Load(),
		CommandsFailed:      b.counters.commandsFailed.Load(),
		CommandsIgnored:     b.counters.commandsIgnored.Load(),
		InvalidControls:     b.counters.invalidControls.Load(),
		ParseIssues:         b.counters.parseIssues.Load(),
		Collisions:          b.counters.collisions.Load(),
		SinkErrors:          b.counters.sinkErrors.Load(),
		Miniserver:          b.ms.Stats(),
	}

	b.mu.Lock()
	a := b.adaptor
	b.mu.Unlock()

	if a != nil {
		loaded := a.LoadedAt()
		m.StructureID = a.ID()
		m.StructureLoadedAt = &loaded
		m.Paths = a.Index().Len()
	}
	return m
}
