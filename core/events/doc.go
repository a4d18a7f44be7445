// Package events defines the engine events published on the event bus.
//
// Available event types:
//   - AllocationEvent: targets computed for one allocation unit
//   - CommandEvent: a power-limit command changed status
//   - StationEvent: a station became unreachable or reachable again
//   - NotificationEvent: a power-control notification for the dashboard
package events
