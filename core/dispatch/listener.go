package dispatch

import "github.com/kilianp07/smartcharge/core/model"

// Listener receives command outcomes. Callbacks run on the station worker
// goroutine without any dispatcher lock held; they must not block for long.
type Listener interface {
	OnAcknowledged(cmd model.PowerDistributionCommand)
	OnCleared(cmd model.PowerDistributionCommand)
	OnRejected(cmd model.PowerDistributionCommand, err *model.DispatchRejectedError)
	OnExpired(cmd model.PowerDistributionCommand)
	OnUnreachable(stationID string, last model.PowerDistributionCommand, err *model.DispatchTimeoutError)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnAcknowledged(model.PowerDistributionCommand) {}
func (NopListener) OnCleared(model.PowerDistributionCommand)      {}
func (NopListener) OnRejected(model.PowerDistributionCommand, *model.DispatchRejectedError) {
}
func (NopListener) OnExpired(model.PowerDistributionCommand) {}
func (NopListener) OnUnreachable(string, model.PowerDistributionCommand, *model.DispatchTimeoutError) {
}
