package coordinator

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/exportmode"
	"github.com/smart-guard/exportgate/natsclient"
	"github.com/smart-guard/exportgate/registry"
	"github.com/smart-guard/exportgate/target"
	"github.com/smart-guard/exportgate/transform"
)

// HandleAlarmEvent routes one alarm event through every enabled target's
// mode engine and dispatches the values the engines release. It implements
// event.AlarmSink. Events arriving while the pipeline is not running are
// counted as dropped.
func (c *Coordinator) HandleAlarmEvent(ctx context.Context, msg export.AlarmMessage) error {
	if !c.running.Load() {
		c.recordDrop()
		return errors.WrapTransient(errors.ErrNotStarted, "Coordinator", "HandleAlarmEvent", "pipeline not running")
	}
	c.stats.RecordAlarmEvent()
	c.dispatchAlarm(ctx, msg)
	return nil
}

// HandleAlarmBatch routes a pre-grouped slice of alarm events. Each event
// goes through the same per-target decision as a single event would.
func (c *Coordinator) HandleAlarmBatch(ctx context.Context, msgs []export.AlarmMessage) error {
	if !c.running.Load() {
		for range msgs {
			c.recordDrop()
		}
		return errors.WrapTransient(errors.ErrNotStarted, "Coordinator", "HandleAlarmBatch", "pipeline not running")
	}
	for _, msg := range msgs {
		c.stats.RecordAlarmEvent()
		c.dispatchAlarm(ctx, msg)
	}
	return nil
}

// HandleScheduledExport runs one schedule immediately, outside its cron
// cadence.
func (c *Coordinator) HandleScheduledExport(ctx context.Context, scheduleID int) error {
	if !c.running.Load() {
		return errors.WrapTransient(errors.ErrNotStarted, "Coordinator", "HandleScheduledExport", "pipeline not running")
	}
	c.stats.RecordScheduleExecution()
	return c.scheduler.ExecuteNow(ctx, scheduleID)
}

// HandleManualExport pushes one value to the named target, or to every
// active target when targetName is "ALL". The value is forced through each
// target's mode engine, so it becomes the new change baseline, and a result
// notice is published per target.
func (c *Coordinator) HandleManualExport(ctx context.Context, targetName string, msg export.AlarmMessage) ([]export.ExportResult, error) {
	if !c.running.Load() {
		return nil, errors.WrapTransient(errors.ErrNotStarted, "Coordinator", "HandleManualExport", "pipeline not running")
	}

	snap := c.registry.Snapshot()
	var targets []export.DynamicTarget
	if strings.EqualFold(targetName, ManualAllTargets) {
		for _, tgt := range snap.Targets() {
			if tgt.Enabled {
				targets = append(targets, tgt)
			}
		}
	} else {
		tgt, ok := snap.Target(targetName)
		if !ok {
			return nil, errors.WrapInvalid(errors.ErrTargetNotFound, "Coordinator", "HandleManualExport", targetName)
		}
		targets = append(targets, tgt)
	}

	results := make([]export.ExportResult, 0, len(targets))
	for _, tgt := range targets {
		e := c.engines.entry(tgt)
		e.mu.Lock()
		decision := e.engine.ForceSend(msg.Value, time.Now())
		e.last = msg
		e.seen = true
		e.mu.Unlock()

		res := c.send(ctx, snap, tgt, msg, decision.Values, export.LogTypeManual)
		c.publishManualResult(ctx, tgt, msg, res)
		results = append(results, res)
	}
	return results, nil
}

// DispatchScheduled sends one sampled point value to one target on behalf
// of the schedule exporter. It implements schedule.Dispatcher. Scheduled
// sends bypass the mode engines: a bulk pull must not move the live
// stream's change baselines.
func (c *Coordinator) DispatchScheduled(ctx context.Context, tgt export.DynamicTarget, msg export.AlarmMessage) export.ExportResult {
	snap := c.registry.Snapshot()
	res := c.send(ctx, snap, tgt, msg, nil, export.LogTypeSchedule)
	c.stats.RecordScheduleExport()
	return res
}

func (c *Coordinator) recordDrop() {
	c.stats.RecordDroppedEvent()
	if c.metrics != nil {
		c.metrics.RecordEventDropped()
	}
}

// dispatchAlarm offers the event to each enabled target in dispatch order.
// The engine decision runs under the target's entry lock; the send itself
// does not, so a slow handler never blocks another target's decision.
func (c *Coordinator) dispatchAlarm(ctx context.Context, msg export.AlarmMessage) {
	snap := c.registry.Snapshot()
	now := time.Now()

	for _, tgt := range snap.Targets() {
		if !tgt.Enabled {
			continue
		}

		e := c.engines.entry(tgt)
		e.mu.Lock()
		decision := e.engine.Process(msg.Value, now)
		e.last = msg
		e.seen = true
		e.mu.Unlock()

		if decision.Action != exportmode.Send {
			continue
		}
		c.send(ctx, snap, tgt, msg, decision.Values, export.LogTypeAlarm)
		c.stats.RecordAlarmExport()
	}
}

// sweepLoop flushes batch targets whose timeout elapsed without the buffer
// filling.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.BatchSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case now := <-ticker.C:
			c.sweepBatches(ctx, now)
		}
	}
}

func (c *Coordinator) sweepBatches(ctx context.Context, now time.Time) {
	snap := c.registry.Snapshot()

	for _, e := range c.engines.all() {
		e.mu.Lock()
		if !e.seen || !e.engine.BatchDue(now) {
			e.mu.Unlock()
			continue
		}
		values := e.engine.FlushBatch(now)
		msg := e.last
		e.mu.Unlock()

		if len(values) == 0 {
			continue
		}
		// The entry can outlive its target until the next engine reset.
		tgt, ok := snap.Target(e.name)
		if !ok || !tgt.Enabled {
			continue
		}
		c.send(ctx, snap, tgt, msg, values, export.LogTypeAlarm)
		c.stats.RecordAlarmExport()
	}
}

// send runs the per-target delivery pipeline: handler lookup, payload
// render, breaker gate, optional pre-send delay, then the handler call.
// The pure steps run first so the breaker's half-open probe slots are only
// spent on real transport attempts. Counters and breaker state move only
// when the handler was actually invoked; a blocked or unrenderable dispatch
// produces a failed result and a log row, nothing more.
func (c *Coordinator) send(ctx context.Context, snap *registry.Snapshot, tgt export.DynamicTarget, msg export.AlarmMessage, values []float64, logType string) export.ExportResult {
	started := time.Now()
	res := export.NewResult(&tgt)

	handler, ok := snap.Handler(tgt.Name)
	if !ok {
		res = res.Failed(errors.ErrHandlerNotInitialized.Error() + ": " + tgt.Name)
		c.logResult(logType, snap, tgt, msg, nil, res)
		return res
	}

	payload, sendMsgs, err := c.render(snap, tgt, msg, values)
	if err != nil {
		res = res.Failed("payload render failed: " + err.Error())
		c.logger.Error("payload render failed",
			"target", tgt.Name,
			"template", tgt.TemplateName,
			"error", err)
		c.logResult(logType, snap, tgt, msg, nil, res)
		return res
	}

	prot, hasProt := snap.Protector(tgt.Name)
	if hasProt && !prot.CanExecute(started) {
		res = res.Failed(errors.ErrCircuitOpen.Error() + ": " + tgt.Name)
		if c.metrics != nil {
			c.metrics.RecordBreakerState(tgt.Name, int(prot.State()))
		}
		c.logResult(logType, snap, tgt, msg, nil, res)
		return res
	}

	if tgt.ExecutionDelay > 0 {
		if err := waitDelay(ctx, time.Duration(tgt.ExecutionDelay)*time.Millisecond); err != nil {
			res = res.Failed("cancelled before send: " + err.Error())
			c.logResult(logType, snap, tgt, msg, nil, res)
			return res
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	var sr target.SendResult
	if len(sendMsgs) > 1 {
		sr = handler.SendBatch(sendCtx, sendMsgs, payload)
	} else {
		sr = handler.Send(sendCtx, sendMsgs[0], payload)
	}
	cancel()

	res.Success = sr.Success
	res.Error = sr.Error
	res.StatusCode = sr.StatusCode
	res.RetryCount = sr.RetryCount
	res.Locator = sr.Locator
	res.DataSize = sr.BytesSent
	if res.DataSize == 0 {
		res.DataSize = len(payload)
	}
	res.ProcessingMs = time.Since(started).Milliseconds()

	if hasProt {
		if sr.Success {
			prot.RecordSuccess()
		} else {
			prot.RecordFailure(time.Now())
		}
		if c.metrics != nil {
			c.metrics.RecordBreakerState(tgt.Name, int(prot.State()))
		}
	}
	if tgt.Stats != nil {
		if sr.Success {
			tgt.Stats.RecordSuccess(res.ProcessingMs, res.DataSize)
		} else {
			tgt.Stats.RecordFailure()
		}
		if sr.RetryCount > 0 {
			tgt.Stats.RecordRetries(sr.RetryCount)
		}
	}
	c.stats.RecordExport(sr.Success, res.ProcessingMs)
	if c.metrics != nil {
		c.metrics.RecordExport(tgt.Name, tgt.Type, sr.Success, time.Since(started), res.DataSize)
	}

	if sr.Success {
		c.logger.Debug("export delivered",
			"target", tgt.Name,
			"values", len(sendMsgs),
			"bytes", res.DataSize,
			"elapsed_ms", res.ProcessingMs)
	} else {
		c.logger.Warn("export failed",
			"target", tgt.Name,
			"type", tgt.Type,
			"status", sr.StatusCode,
			"error", sr.Error)
	}

	c.logResult(logType, snap, tgt, msg, payload, res)
	return res
}

// render produces the payload for one dispatch. Each released value is
// rendered through the target's template with msg as the scaffold; multiple
// values become a JSON array of rendered documents. A target with no stored
// template falls back to the built-in shape for its template name.
func (c *Coordinator) render(snap *registry.Snapshot, tgt export.DynamicTarget, msg export.AlarmMessage, values []float64) (json.RawMessage, []export.AlarmMessage, error) {
	if len(values) == 0 {
		values = []float64{msg.Value}
	}

	tpl := tgt.Template
	if len(tpl) == 0 {
		tpl = transform.DefaultTemplate(tgt.TemplateName)
	}

	docs := make([]json.RawMessage, 0, len(values))
	msgs := make([]export.AlarmMessage, 0, len(values))
	for _, v := range values {
		m := msg
		m.Value = v
		doc, err := transform.Render(tpl, c.renderContext(snap, tgt, m))
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, doc)
		msgs = append(msgs, m)
	}

	if len(docs) == 1 {
		return docs[0], msgs, nil
	}
	payload, err := json.Marshal(docs)
	if err != nil {
		return nil, nil, err
	}
	return payload, msgs, nil
}

// renderContext builds the substitution context for one message and target,
// applying the target's point mappings: external field name, unit
// conversion, and the site identity overrides that replace building_id in
// the rendered payload.
func (c *Coordinator) renderContext(snap *registry.Snapshot, tgt export.DynamicTarget, msg export.AlarmMessage) transform.Context {
	fieldName := snap.TargetFieldName(tgt.ID, msg.PointName)
	var description string
	if m, ok := snap.Mapping(tgt.ID, msg.PointName); ok {
		description = m.Description
	}
	converted := snap.Convert(tgt.ID, msg.PointName, msg.Value)

	tctx := transform.NewContext(msg, fieldName, description, formatValue(converted))

	site := snap.OverrideSiteID(tgt.ID, msg.PointName)
	overridden := site != ""
	if !overridden {
		site = strconv.Itoa(msg.BuildingID)
	}
	if ext := snap.ExternalBuildingID(tgt.ID, site); ext != "" {
		tctx = tctx.With("building_id", ext)
	} else if overridden {
		tctx = tctx.With("building_id", site)
	}
	return tctx
}

// logResult queues the durable log row for one dispatch outcome. The source
// value is the payload as sent; the converted value records the unit
// conversion applied to the triggering message.
func (c *Coordinator) logResult(logType string, snap *registry.Snapshot, tgt export.DynamicTarget, msg export.AlarmMessage, payload json.RawMessage, res export.ExportResult) {
	entry := export.LogEntryFrom(logType, c.cfg.ServiceID, res)
	if m, ok := snap.Mapping(tgt.ID, msg.PointName); ok {
		entry.PointID = m.PointID
	}
	entry.SourceValue = string(payload)
	entry.ConvertedValue = formatValue(snap.Convert(tgt.ID, msg.PointName, msg.Value))
	c.logs.Enqueue(entry)
}

// manualResultNotice is the per-target outcome published on the result
// channel after a manual export.
type manualResultNotice struct {
	TargetName   string          `json:"targetName"`
	TargetID     int             `json:"targetId"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	GatewayID    string          `json:"gatewayId"`
	Timestamp    int64           `json:"timestamp"`
}

func (c *Coordinator) publishManualResult(ctx context.Context, tgt export.DynamicTarget, msg export.AlarmMessage, res export.ExportResult) {
	echo, err := json.Marshal(msg)
	if err != nil {
		echo = nil
	}
	notice := manualResultNotice{
		TargetName:   tgt.Name,
		TargetID:     tgt.ID,
		Success:      res.Success,
		ErrorMessage: res.Error,
		Payload:      echo,
		GatewayID:    c.cfg.ServiceID,
		Timestamp:    time.Now().UnixMilli(),
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, natsclient.SubjectFromChannel(ResultChannel), data); err != nil {
		c.logger.Warn("manual export result publish failed", "target", tgt.Name, "error", err)
	}
}

// waitDelay honors a target's pre-send pause without stalling shutdown.
func waitDelay(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
