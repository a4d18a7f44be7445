package transport

import (
	"context"
	"time"

	"github.com/kilianp07/smartcharge/core/model"
)

// Client sends power-limit commands to stations and reports their answers.
// Implementations own the wire format.
type Client interface {
	// SendPowerLimit publishes the command and returns the identifier used to
	// correlate the acknowledgement.
	SendPowerLimit(cmd model.PowerDistributionCommand) (commandID string, err error)

	// WaitForAck blocks until the station answers, the timeout expires
	// (ErrAckTimeout) or ctx is cancelled.
	WaitForAck(ctx context.Context, commandID string, timeout time.Duration) (model.AckStatus, error)
}
