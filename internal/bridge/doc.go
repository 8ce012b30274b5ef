// Package bridge connects a Loxone Miniserver to an MQTT broker.
//
// The Bridge owns the current structure snapshot and its adaptor. Each
// structure file delivered by the Miniserver replaces both; every state
// event is applied to the current snapshot and the resulting status record
// is published, retained, on <name>/status/<path> and handed to the
// configured StateSinks. Messages on <name>/set/<path>/cmd are resolved to
// the control at <path> and forwarded to the Miniserver verbatim.
//
// Connection state is reported, retained, on <name>/connected: "0" (the
// broker-held last will and graceful shutdown), "1" (connected to the
// broker) and "2" (structure loaded).
//
// Structure reloads, state events and the adaptor swap are serialised by
// one lock, so the emitted record stream for a snapshot is the one a single
// thread would produce.
package bridge
