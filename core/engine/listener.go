package engine

import (
	"github.com/kilianp07/smartcharge/core/dispatch"
	"github.com/kilianp07/smartcharge/core/events"
	"github.com/kilianp07/smartcharge/core/metrics"
	"github.com/kilianp07/smartcharge/core/model"
)

var _ dispatch.Listener = (*Engine)(nil)

// OnAcknowledged feeds the confirmed limit back into the demand tracker.
func (e *Engine) OnAcknowledged(cmd model.PowerDistributionCommand) {
	scope := cmd.Scope()
	if !scope.IsStationWide() {
		e.demand.SetAllocated(scope, cmd.PowerLimitKW)
	}
	e.pinMu.Lock()
	delete(e.pinned, scope)
	e.pinMu.Unlock()
	e.report(cmd, model.StatusAcknowledged, nil)
	e.notify(model.LimitSet, cmd, true, "")
}

// OnCleared reports a removed limit.
func (e *Engine) OnCleared(cmd model.PowerDistributionCommand) {
	if scope := cmd.Scope(); !scope.IsStationWide() {
		e.demand.SetAllocated(scope, 0)
	}
	e.report(cmd, model.StatusAcknowledged, nil)
	e.notify(model.LimitCleared, cmd, true, "")
}

// OnRejected pins the scope to the station's previous limit, or its static
// maximum when none was ever confirmed, and reallocates the rest of the group
// around it.
func (e *Engine) OnRejected(cmd model.PowerDistributionCommand, err *model.DispatchRejectedError) {
	scope := cmd.Scope()
	fallback := 0.0
	if lim, ok := e.disp.Acknowledged(scope); ok {
		fallback = lim.KW()
	} else if kw, ok := e.topo.CapacityOf(scope); ok {
		fallback = kw
	}
	e.pin(scope, fallback)
	e.log.Warnf("engine: %s refused limit %.2f kW, holding %.2f kW", scope, cmd.PowerLimitKW, fallback)
	e.report(cmd, model.StatusRejected, err)
	e.notify(model.LimitFailed, cmd, false, err.Error())
	e.triggerStation(cmd.StationID)
}

// OnExpired reports a temporary limit that ran out and reallocates.
func (e *Engine) OnExpired(cmd model.PowerDistributionCommand) {
	e.report(cmd, model.StatusExpired, nil)
	e.notify(model.LimitExpired, cmd, true, "")
	e.triggerStation(cmd.StationID)
}

// OnUnreachable takes the station out of allocation. The registry change
// triggers a recompute that hands its capacity to the rest of the group.
func (e *Engine) OnUnreachable(stationID string, last model.PowerDistributionCommand, err *model.DispatchTimeoutError) {
	e.report(last, model.StatusTimedOut, err)
	e.notify(model.LimitFailed, last, false, err.Error())
	at := e.now()
	e.bus.Publish(events.StationEvent{StationID: stationID, Reachable: false, Reason: err.Error(), At: at})
	if r, ok := e.sink.(metrics.StationRecorder); ok {
		if rerr := r.RecordStation(metrics.StationEvent{StationID: stationID, Reachable: false, Time: at}); rerr != nil {
			e.log.Warnf("engine: record station: %v", rerr)
		}
	}
	if serr := e.topo.SetReachable(stationID, false); serr != nil {
		e.log.Warnf("engine: mark %s unreachable: %v", stationID, serr)
	}
	e.triggerStation(stationID)
}

func (e *Engine) report(cmd model.PowerDistributionCommand, status model.CommandStatus, err error) {
	ev := events.CommandEvent{Command: cmd, Status: status}
	if err != nil {
		ev.Err = err.Error()
	}
	e.bus.Publish(ev)
	if rerr := e.sink.RecordCommand(metrics.CommandEvent{
		EventID:     cmd.EventID,
		StationID:   cmd.StationID,
		ConnectorID: cmd.Scope().ConnectorID,
		PowerKW:     cmd.PowerLimitKW,
		Reason:      cmd.Reason.String(),
		Status:      status.String(),
		Attempts:    cmd.Attempts,
		Clear:       cmd.Clear,
		Time:        e.now(),
	}); rerr != nil {
		e.log.Warnf("engine: record command %s: %v", cmd.EventID, rerr)
	}
}

func (e *Engine) notify(t model.NotificationType, cmd model.PowerDistributionCommand, success bool, detail string) {
	n := model.NotificationFor(t, cmd, success, e.now())
	n.Error = detail
	if s, ok := e.topo.Station(cmd.StationID); ok {
		n.StationName = s.Name
	}
	e.bus.Publish(events.NotificationEvent{Notification: n})
}
