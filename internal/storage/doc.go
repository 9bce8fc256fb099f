// Package storage persists the control-action audit trail: monitor
// start/stop and subscriber connect/disconnect events.
package storage
