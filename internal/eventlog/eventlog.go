// Package eventlog is the keeper's event stream. It wraps
// github.com/cashapp/blip's event and status packages in place of a
// traditional logger: every subsystem sends named events instead of ad
// hoc log lines, and a process-wide status registry tracks each
// component's most recent state for the operator CLI.
package eventlog

import (
	"github.com/cashapp/blip/event"
	"github.com/cashapp/blip/status"
)

// Component names used as the status registry's component key.
const (
	ComponentLoop    = "control-loop"
	ComponentMonitor = "monitor-client"
	ComponentFSM     = "fsm"
	ComponentLocalDB = "local-resources"
)

// nodeID is set once the keeper has registered, so every subsequent
// status update is attributed to the right monitor-facing identity. Before
// registration, events use "unregistered".
var nodeID = "unregistered"

// SetNodeID records the monitor-assigned node id for status reporting.
func SetNodeID(id int64) {
	if id > 0 {
		nodeID = formatNodeID(id)
	}
}

func formatNodeID(id int64) string {
	// Avoid fmt just to format one integer on a hot path; strconv would be
	// the idiomatic choice, done inline since it's the only caller.
	if id == 0 {
		return "0"
	}
	neg := id < 0
	if neg {
		id = -id
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Info sends a non-error event and updates the component's status line.
func Info(component, eventName, msg string, args ...interface{}) {
	event.Sendf(eventName, msg, args...)
	status.Monitor(nodeID, component, msg, args...)
}

// Error sends an error-flagged event and updates the component's status
// line to reflect the failure.
func Error(component, eventName, msg string, args ...interface{}) {
	event.Errorf(eventName, msg, args...)
	status.Monitor(nodeID, component, "error: "+msg, args...)
}

// Warn sends a non-fatal event (e.g. a rejected configuration reload)
// without marking the component's status as errored.
func Warn(component, eventName, msg string, args ...interface{}) {
	event.Sendf(eventName, "warn: "+msg, args...)
	status.Monitor(nodeID, component, "warn: "+msg, args...)
}

// Transition records a successful FSM transition, both as an event (for
// any external receiver the operator wired up) and as the current status
// of the FSM component.
func Transition(from, to string) {
	Info(ComponentFSM, "fsm.transition", "%s -> %s", from, to)
}

// Status returns the current status line last reported for component on
// this node, or "" if none has been reported yet.
func Status(component string) string {
	return status.ReportMonitors(nodeID)[nodeID][component]
}
