// Package dispatch turns allocation targets into power-limit commands and
// drives them to acknowledgement. Commands for one station are serialized on
// a per-station worker; different stations proceed concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/kilianp07/smartcharge/core/logger"
	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/transport"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatcher closed")
	// ErrStationUnreachable is returned by Submit for stations flagged unreachable.
	ErrStationUnreachable = errors.New("station unreachable")
)

// kwTolerance is the smallest limit change worth a command.
const kwTolerance = 1e-3

const statusHistory = 1024

// Config tunes acknowledgement handling.
type Config struct {
	AckTimeout   time.Duration `json:"ack_timeout"`
	MaxRetries   int           `json:"max_retries"`
	RetryInitial time.Duration `json:"retry_initial"`
	RetryMax     time.Duration `json:"retry_max"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
}

// Target is a desired limit for one scope.
type Target struct {
	Scope           model.Scope
	KW              float64
	Reason          model.AdjustmentReason
	Priority        int
	Temporary       bool
	DurationSeconds int
	TransactionID   string
}

func (t Target) command() model.PowerDistributionCommand {
	return model.PowerDistributionCommand{
		StationID:       t.Scope.StationID,
		ConnectorID:     t.Scope.Connector(),
		PowerLimitKW:    t.KW,
		Temporary:       t.Temporary && t.DurationSeconds > 0,
		DurationSeconds: t.DurationSeconds,
		Reason:          t.Reason,
		Priority:        t.Priority,
		TransactionID:   t.TransactionID,
	}
}

type job struct {
	cmd        model.PowerDistributionCommand
	ctx        context.Context
	cancel     context.CancelFunc
	superseded bool
	cancelled  bool
}

type station struct {
	id       string
	queue    []*job
	inflight *job
	wake     chan struct{}
}

// Dispatcher owns the last-acknowledged limit map. It is the only writer.
type Dispatcher struct {
	cfg      Config
	client   transport.Client
	log      logger.Logger
	acks     AckStore
	audit    AuditStore
	listener Listener
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	idle        *sync.Cond
	pending     int
	closed      bool
	stations    map[string]*station
	acked       map[model.Scope]AckedLimit
	unreachable map[string]bool
	rejected    map[model.Scope]bool
	statuses    map[string]model.CommandStatus
	order       []string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(d *Dispatcher) { d.log = logger.OrNop(l) } }

// WithAckStore persists acknowledged limits.
func WithAckStore(s AckStore) Option { return func(d *Dispatcher) { d.acks = s } }

// WithAuditStore records every command transition.
func WithAuditStore(s AuditStore) Option { return func(d *Dispatcher) { d.audit = s } }

// WithListener registers the outcome listener.
func WithListener(l Listener) Option { return func(d *Dispatcher) { d.listener = l } }

// WithClock replaces time.Now for acknowledgement and expiry timestamps.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// New creates a Dispatcher sending through client.
func New(cfg Config, client transport.Client, opts ...Option) (*Dispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("dispatch: nil transport client")
	}
	cfg.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:         cfg,
		client:      client,
		log:         logger.Nop{},
		listener:    NopListener{},
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		stations:    make(map[string]*station),
		acked:       make(map[model.Scope]AckedLimit),
		unreachable: make(map[string]bool),
		rejected:    make(map[model.Scope]bool),
		statuses:    make(map[string]model.CommandStatus),
	}
	d.idle = sync.NewCond(&d.mu)
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Restore loads acknowledged limits from the AckStore.
func (d *Dispatcher) Restore(ctx context.Context) error {
	if d.acks == nil {
		return nil
	}
	all, err := d.acks.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("restore acknowledged limits: %w", err)
	}
	d.mu.Lock()
	for scope, lim := range all {
		d.acked[scope] = lim
	}
	d.mu.Unlock()
	d.log.Infof("restored %d acknowledged limits", len(all))
	return nil
}

// Apply diffs targets against acknowledged, queued and in-flight limits and
// submits a command for each scope that changed. Scopes of managed stations
// that carry a limit but no longer have a target get a clear command.
// Stations flagged unreachable and scopes refused by their station are left
// alone.
func (d *Dispatcher) Apply(targets []Target, managed []string) []model.PowerDistributionCommand {
	var cmds []model.PowerDistributionCommand
	want := make(map[model.Scope]bool, len(targets))

	d.mu.Lock()
	for _, t := range targets {
		want[t.Scope] = true
		if d.unreachable[t.Scope.StationID] || d.rejected[t.Scope] {
			continue
		}
		kw, cleared, ok := d.effectiveLocked(t.Scope)
		if ok && !cleared && math.Abs(kw-t.KW) < kwTolerance {
			continue
		}
		cmds = append(cmds, t.command())
	}
	for _, scope := range d.limitedScopesLocked(managed) {
		if want[scope] || d.rejected[scope] || d.unreachable[scope.StationID] {
			continue
		}
		if _, cleared, ok := d.effectiveLocked(scope); !ok || cleared {
			continue
		}
		cmds = append(cmds, model.PowerDistributionCommand{
			StationID:   scope.StationID,
			ConnectorID: scope.Connector(),
			Clear:       true,
			Reason:      model.ReasonLoadBalancing,
		})
	}
	d.mu.Unlock()

	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Scope().Less(cmds[j].Scope()) })
	out := cmds[:0]
	for _, c := range cmds {
		sent, err := d.Submit(c)
		if err != nil {
			d.log.Warnf("dispatch: submit %s: %v", c.Scope(), err)
			continue
		}
		out = append(out, sent)
	}
	return out
}

// effectiveLocked returns the limit a scope will hold once queued work
// completes: the newest queued command, else the in-flight one, else the
// last acknowledged limit.
func (d *Dispatcher) effectiveLocked(scope model.Scope) (kw float64, cleared bool, ok bool) {
	if st, found := d.stations[scope.StationID]; found {
		for i := len(st.queue) - 1; i >= 0; i-- {
			if c := st.queue[i].cmd; c.Scope() == scope {
				return c.PowerLimitKW, c.Clear, true
			}
		}
		if in := st.inflight; in != nil && !in.superseded && !in.cancelled && in.cmd.Scope() == scope {
			return in.cmd.PowerLimitKW, in.cmd.Clear, true
		}
	}
	lim, found := d.acked[scope]
	return lim.KW(), false, found
}

func (d *Dispatcher) limitedScopesLocked(managed []string) []model.Scope {
	set := make(map[string]bool, len(managed))
	for _, id := range managed {
		set[id] = true
	}
	seen := make(map[model.Scope]bool)
	for scope := range d.acked {
		if set[scope.StationID] {
			seen[scope] = true
		}
	}
	for id := range set {
		st, ok := d.stations[id]
		if !ok {
			continue
		}
		for _, j := range st.queue {
			seen[j.cmd.Scope()] = true
		}
		if in := st.inflight; in != nil && !in.superseded && !in.cancelled {
			seen[in.cmd.Scope()] = true
		}
	}
	out := make([]model.Scope, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return model.SortScopes(out)
}

// Submit queues a command on its station. A queued command for the same
// scope is replaced. An in-flight command for the same scope with lower or
// equal priority is superseded: its wait is cancelled and any late answer is
// discarded. A higher-priority in-flight command is left to finish and the
// new one queues behind it.
func (d *Dispatcher) Submit(cmd model.PowerDistributionCommand) (model.PowerDistributionCommand, error) {
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	var audits []AuditRecord

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return cmd, ErrClosed
	}
	if d.unreachable[cmd.StationID] {
		d.mu.Unlock()
		return cmd, fmt.Errorf("%w: %s", ErrStationUnreachable, cmd.StationID)
	}
	if cmd.EventID == "" {
		cmd.EventID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = d.now()
	}
	cmd.Status = model.StatusQueued
	cmd.Attempts = 0

	st := d.stationLocked(cmd.StationID)
	scope := cmd.Scope()
	for i, j := range st.queue {
		if j.cmd.Scope() != scope {
			continue
		}
		j.superseded = true
		j.cancel()
		audits = append(audits, d.transitionLocked(j, model.StatusSuperseded, "replaced by "+cmd.EventID))
		st.queue = append(st.queue[:i], st.queue[i+1:]...)
		d.doneLocked()
		break
	}
	if in := st.inflight; in != nil && !in.superseded && !in.cancelled && in.cmd.Scope() == scope && cmd.Priority >= in.cmd.Priority {
		in.superseded = true
		in.cancel()
		audits = append(audits, d.transitionLocked(in, model.StatusSuperseded, "preempted by "+cmd.EventID))
	}

	ctx, cancel := context.WithCancel(d.ctx)
	j := &job{cmd: cmd, ctx: ctx, cancel: cancel}
	st.queue = append(st.queue, j)
	d.pending++
	audits = append(audits, d.transitionLocked(j, model.StatusQueued, ""))
	queueDepth.WithLabelValues(st.id).Set(float64(len(st.queue)))
	select {
	case st.wake <- struct{}{}:
	default:
	}
	d.mu.Unlock()

	d.writeAudit(audits...)
	return cmd, nil
}

func (d *Dispatcher) stationLocked(id string) *station {
	st, ok := d.stations[id]
	if !ok {
		st = &station{id: id, wake: make(chan struct{}, 1)}
		d.stations[id] = st
		d.wg.Add(1)
		go d.runStation(st)
	}
	return st
}

func (d *Dispatcher) runStation(st *station) {
	defer d.wg.Done()
	for {
		j := d.next(st)
		if j == nil {
			return
		}
		d.execute(st, j)
	}
}

// next blocks until a command is queued for st and marks it in flight. The
// highest priority goes first; equal priorities keep submission order.
func (d *Dispatcher) next(st *station) *job {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil
		}
		if len(st.queue) > 0 {
			idx := 0
			for i, j := range st.queue {
				if j.cmd.Priority > st.queue[idx].cmd.Priority {
					idx = i
				}
			}
			j := st.queue[idx]
			st.queue = append(st.queue[:idx], st.queue[idx+1:]...)
			st.inflight = j
			queueDepth.WithLabelValues(st.id).Set(float64(len(st.queue)))
			d.mu.Unlock()
			return j
		}
		d.mu.Unlock()
		select {
		case <-st.wake:
		case <-d.ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInitial
	b.MaxInterval = d.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// execute sends j until it is answered, superseded or out of attempts.
func (d *Dispatcher) execute(st *station, j *job) {
	bo := d.newBackOff()
	attempts := 1 + d.cfg.MaxRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			retriesTotal.Inc()
			if !sleep(j.ctx, bo.NextBackOff()) {
				d.discardIfStale(st, j)
				return
			}
		}

		d.mu.Lock()
		if j.superseded || j.cancelled {
			d.finishLocked(st, j)
			d.mu.Unlock()
			return
		}
		j.cmd.Attempts = attempt
		rec := d.transitionLocked(j, model.StatusPendingAck, "")
		cmd := j.cmd
		d.mu.Unlock()
		d.writeAudit(rec)

		sent := time.Now()
		id, err := d.client.SendPowerLimit(cmd)
		var status model.AckStatus
		if err != nil {
			sendFailures.Inc()
		} else {
			status, err = d.client.WaitForAck(j.ctx, id, d.cfg.AckTimeout)
		}
		latency := time.Since(sent)

		if d.discardIfStale(st, j) {
			return
		}
		if err == nil {
			if status == model.AckAccepted {
				d.accept(st, j, latency)
			} else {
				d.reject(st, j, status, latency)
			}
			return
		}

		lastErr = err
		d.log.Warnf("dispatch: command %s to %s attempt %d/%d failed: %v", cmd.EventID, cmd.Scope(), attempt, attempts, err)
		d.mu.Lock()
		rec = d.transitionLocked(j, model.StatusTimedOut, err.Error())
		d.mu.Unlock()
		d.writeAudit(rec)
	}
	d.giveUp(st, j, lastErr)
}

func sleep(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// discardIfStale finishes j without effect when it was superseded or
// cancelled while its answer was outstanding.
func (d *Dispatcher) discardIfStale(st *station, j *job) bool {
	d.mu.Lock()
	stale := j.superseded || j.cancelled || d.closed
	if stale {
		d.finishLocked(st, j)
	}
	status := j.cmd.Status
	d.mu.Unlock()
	if stale {
		commandsTotal.WithLabelValues(status.String()).Inc()
		d.log.Debugw("discarding response of stale command", map[string]any{"event_id": j.cmd.EventID, "scope": j.cmd.Scope().String()})
	}
	return stale
}

func (d *Dispatcher) accept(st *station, j *job, latency time.Duration) {
	d.mu.Lock()
	now := d.now()
	scope := j.cmd.Scope()
	rec := d.transitionLocked(j, model.StatusAcknowledged, "")
	rec.LatencyMS = latency.Milliseconds()
	lim := AckedLimit{Command: j.cmd, AckedAt: now, ExpiresAt: j.cmd.ExpiresAt(now)}
	if j.cmd.Clear {
		delete(d.acked, scope)
	} else {
		d.acked[scope] = lim
	}
	delete(d.rejected, scope)
	cmd := j.cmd
	d.mu.Unlock()
	defer d.finish(st, j)

	if d.acks != nil {
		var err error
		if cmd.Clear {
			err = d.acks.Delete(d.ctx, scope)
		} else {
			err = d.acks.Save(d.ctx, scope, lim)
		}
		if err != nil {
			d.log.Errorf("dispatch: persist acknowledged limit for %s: %v", scope, err)
		}
	}
	d.writeAudit(rec)
	ackLatency.WithLabelValues(cmd.Reason.String()).Observe(latency.Seconds())
	commandsTotal.WithLabelValues(model.StatusAcknowledged.String()).Inc()
	d.log.Infow("power limit acknowledged", map[string]any{
		"event_id": cmd.EventID, "scope": scope.String(), "kw": cmd.PowerLimitKW, "clear": cmd.Clear, "attempts": cmd.Attempts,
	})
	if cmd.Clear {
		d.listener.OnCleared(cmd)
		return
	}
	d.listener.OnAcknowledged(cmd)
}

func (d *Dispatcher) reject(st *station, j *job, status model.AckStatus, latency time.Duration) {
	d.mu.Lock()
	rec := d.transitionLocked(j, model.StatusRejected, status.String())
	rec.LatencyMS = latency.Milliseconds()
	d.rejected[j.cmd.Scope()] = true
	cmd := j.cmd
	d.mu.Unlock()
	defer d.finish(st, j)

	d.writeAudit(rec)
	commandsTotal.WithLabelValues(model.StatusRejected.String()).Inc()
	err := &model.DispatchRejectedError{EventID: cmd.EventID, Scope: cmd.Scope(), Status: status}
	d.log.Warnf("dispatch: %v", err)
	d.listener.OnRejected(cmd, err)
}

// giveUp flags the station unreachable and cancels everything queued for it.
func (d *Dispatcher) giveUp(st *station, j *job, cause error) {
	d.mu.Lock()
	d.unreachable[st.id] = true
	unreachableGauge.Set(float64(len(d.unreachable)))
	var recs []AuditRecord
	for _, q := range st.queue {
		q.cancelled = true
		q.cancel()
		recs = append(recs, d.transitionLocked(q, model.StatusCancelled, "station unreachable"))
		d.doneLocked()
	}
	st.queue = nil
	queueDepth.WithLabelValues(st.id).Set(0)
	cmd := j.cmd
	d.mu.Unlock()
	defer d.finish(st, j)

	d.writeAudit(recs...)
	commandsTotal.WithLabelValues(model.StatusTimedOut.String()).Inc()
	err := &model.DispatchTimeoutError{EventID: cmd.EventID, Scope: cmd.Scope(), Attempts: cmd.Attempts, Timeout: d.cfg.AckTimeout}
	d.log.Errorf("dispatch: station %s unreachable: %v (last error: %v)", st.id, err, cause)
	d.listener.OnUnreachable(st.id, cmd, err)
}

// finish releases the station after listeners ran so Wait observes their effects.
func (d *Dispatcher) finish(st *station, j *job) {
	d.mu.Lock()
	d.finishLocked(st, j)
	d.mu.Unlock()
}

func (d *Dispatcher) finishLocked(st *station, j *job) {
	j.cancel()
	if st.inflight == j {
		st.inflight = nil
	}
	d.doneLocked()
}

func (d *Dispatcher) doneLocked() {
	d.pending--
	if d.pending <= 0 {
		d.pending = 0
		d.idle.Broadcast()
	}
}

func (d *Dispatcher) transitionLocked(j *job, status model.CommandStatus, detail string) AuditRecord {
	j.cmd.Status = status
	if _, ok := d.statuses[j.cmd.EventID]; !ok {
		d.order = append(d.order, j.cmd.EventID)
		if len(d.order) > statusHistory {
			delete(d.statuses, d.order[0])
			d.order = d.order[1:]
		}
	}
	d.statuses[j.cmd.EventID] = status
	return AuditRecord{Timestamp: d.now(), Command: j.cmd, Status: status, Error: detail}
}

func (d *Dispatcher) writeAudit(recs ...AuditRecord) {
	if d.audit == nil {
		return
	}
	for _, r := range recs {
		if err := d.audit.Append(context.Background(), r); err != nil {
			d.log.Errorf("dispatch: audit append: %v", err)
		}
	}
}

// SweepExpired drops acknowledged temporary limits whose duration elapsed at
// now and returns them with status EXPIRED.
func (d *Dispatcher) SweepExpired(now time.Time) []model.PowerDistributionCommand {
	var expired []model.PowerDistributionCommand
	var recs []AuditRecord
	d.mu.Lock()
	for scope, lim := range d.acked {
		if lim.ExpiresAt.IsZero() || now.Before(lim.ExpiresAt) {
			continue
		}
		delete(d.acked, scope)
		cmd := lim.Command
		j := &job{cmd: cmd}
		recs = append(recs, d.transitionLocked(j, model.StatusExpired, ""))
		expired = append(expired, j.cmd)
	}
	d.mu.Unlock()

	sort.Slice(expired, func(i, k int) bool { return expired[i].Scope().Less(expired[k].Scope()) })
	for _, cmd := range expired {
		if d.acks != nil {
			if err := d.acks.Delete(d.ctx, cmd.Scope()); err != nil {
				d.log.Errorf("dispatch: delete expired limit for %s: %v", cmd.Scope(), err)
			}
		}
		commandsTotal.WithLabelValues(model.StatusExpired.String()).Inc()
		d.listener.OnExpired(cmd)
	}
	d.writeAudit(recs...)
	return expired
}

// LastAcknowledged returns a copy of the acknowledged limit map.
func (d *Dispatcher) LastAcknowledged() map[model.Scope]AckedLimit {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[model.Scope]AckedLimit, len(d.acked))
	for k, v := range d.acked {
		out[k] = v
	}
	return out
}

// Acknowledged returns the confirmed limit of one scope.
func (d *Dispatcher) Acknowledged(scope model.Scope) (AckedLimit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.acked[scope]
	return lim, ok
}

// InFlight returns the commands currently awaiting an answer.
func (d *Dispatcher) InFlight() []model.PowerDistributionCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.PowerDistributionCommand
	for _, st := range d.stations {
		if in := st.inflight; in != nil && !in.superseded && !in.cancelled {
			out = append(out, in.cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope().Less(out[j].Scope()) })
	return out
}

// Status returns the last known status of a recent command.
func (d *Dispatcher) Status(eventID string) (model.CommandStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.statuses[eventID]
	return s, ok
}

// Unreachable reports whether the station exhausted its retry budget.
func (d *Dispatcher) Unreachable(stationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unreachable[stationID]
}

// Rejected reports whether the station refused the last command for scope.
func (d *Dispatcher) Rejected(scope model.Scope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rejected[scope]
}

// Release forgets a refusal so the scope is dispatched again.
func (d *Dispatcher) Release(scope model.Scope) {
	d.mu.Lock()
	delete(d.rejected, scope)
	d.mu.Unlock()
}

// Reset clears the unreachable flag and every refusal of a station.
func (d *Dispatcher) Reset(stationID string) {
	d.mu.Lock()
	delete(d.unreachable, stationID)
	for scope := range d.rejected {
		if scope.StationID == stationID {
			delete(d.rejected, scope)
		}
	}
	unreachableGauge.Set(float64(len(d.unreachable)))
	d.mu.Unlock()
}

// CancelStation cancels queued and in-flight commands of a station, for
// example when it is disabled.
func (d *Dispatcher) CancelStation(stationID string) {
	var recs []AuditRecord
	d.mu.Lock()
	if st, ok := d.stations[stationID]; ok {
		for _, q := range st.queue {
			q.cancelled = true
			q.cancel()
			recs = append(recs, d.transitionLocked(q, model.StatusCancelled, "station cancelled"))
			d.doneLocked()
		}
		st.queue = nil
		if in := st.inflight; in != nil && !in.superseded && !in.cancelled {
			in.cancelled = true
			in.cancel()
			recs = append(recs, d.transitionLocked(in, model.StatusCancelled, "station cancelled"))
		}
	}
	d.mu.Unlock()
	d.writeAudit(recs...)
}

// Pending returns the number of commands not yet finished.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Wait blocks until every submitted command has finished.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	for d.pending > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// Close cancels outstanding work and stops the station workers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, st := range d.stations {
		for _, q := range st.queue {
			q.cancelled = true
			d.transitionLocked(q, model.StatusCancelled, "")
			d.doneLocked()
		}
		st.queue = nil
		if in := st.inflight; in != nil {
			in.cancelled = true
		}
	}
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	d.pending = 0
	d.idle.Broadcast()
	d.mu.Unlock()
	return nil
}
