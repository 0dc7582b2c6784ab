package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/pkg/timestamp"
)

// PostgresConfig tunes the connection pool. Zero values take the defaults.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32         // default 8
	MinConns        int32         // default 1
	MaxConnLifetime time.Duration // default 30m
	MaxConnIdleTime time.Duration // default 5m
	ConnectTimeout  time.Duration // default 10s
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres opens a pooled connection and verifies it with a ping.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Postgres", "New", "parse DSN")
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "New", "create pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(
			errors.Join(errors.ErrStoreUnavailable, err), "Postgres", "New", "ping")
	}

	logger.Info("connected to postgres",
		"max_conns", cfg.MaxConns,
		"min_conns", cfg.MinConns)
	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for migrations and tests.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Targets implements Store.
func (p *Postgres) Targets(ctx context.Context) ([]export.DynamicTarget, error) {
	const q = `
		SELECT id, name, target_type, COALESCE(description, ''), is_enabled,
		       config, export_mode, mode_params,
		       priority, execution_order, execution_delay_ms,
		       COALESCE(template_name, '')
		FROM export_targets
		WHERE is_enabled
		ORDER BY execution_order, priority, name`

	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "Targets", "query")
	}
	defer rows.Close()

	var targets []export.DynamicTarget
	for rows.Next() {
		var (
			t         export.DynamicTarget
			mode      string
			configRaw []byte
			paramsRaw []byte
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.Description, &t.Enabled,
			&configRaw, &mode, &paramsRaw,
			&t.Priority, &t.ExecutionOrder, &t.ExecutionDelay,
			&t.TemplateName); err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "Targets", "scan")
		}
		t.Config = json.RawMessage(configRaw)
		t.Mode = export.ExportMode(strings.ToLower(mode))
		if len(paramsRaw) > 0 {
			// A malformed params document is the registry's call, not a load
			// failure; leave zero params and let validation flag the target.
			_ = json.Unmarshal(paramsRaw, &t.ModeParams)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "Targets", "iterate")
	}
	return targets, nil
}

// Mappings implements Store.
func (p *Postgres) Mappings(ctx context.Context) ([]export.PointMapping, error) {
	const q = `
		SELECT target_id, COALESCE(point_id, 0), COALESCE(point_name, ''),
		       COALESCE(target_field_name, ''), COALESCE(target_description, ''),
		       COALESCE(site_id, ''), scale, offset_value, is_enabled
		FROM export_target_mappings
		WHERE is_enabled
		ORDER BY target_id, point_id`

	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "Mappings", "query")
	}
	defer rows.Close()

	var mappings []export.PointMapping
	for rows.Next() {
		var m export.PointMapping
		if err := rows.Scan(&m.TargetID, &m.PointID, &m.PointName,
			&m.FieldName, &m.Description, &m.SiteID,
			&m.Scale, &m.Offset, &m.Enabled); err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "Mappings", "scan")
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "Mappings", "iterate")
	}
	return mappings, nil
}

// Templates implements Store.
func (p *Postgres) Templates(ctx context.Context) ([]export.PayloadTemplate, error) {
	const q = `
		SELECT name, system_type, template_json, is_active
		FROM export_templates
		WHERE is_active
		ORDER BY name`

	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "Templates", "query")
	}
	defer rows.Close()

	var templates []export.PayloadTemplate
	for rows.Next() {
		var (
			t   export.PayloadTemplate
			raw []byte
		)
		if err := rows.Scan(&t.Name, &t.SystemType, &raw, &t.Active); err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "Templates", "scan")
		}
		t.Template = json.RawMessage(raw)
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "Templates", "iterate")
	}
	return templates, nil
}

const scheduleColumns = `
	id, target_id, schedule_name, cron_expression,
	COALESCE(timezone, 'UTC'), COALESCE(data_range, 'hour'),
	lookback_periods, is_enabled,
	total_runs, successful_runs, failed_runs,
	last_run_at, next_run_at, COALESCE(last_error, '')`

func scanSchedule(row pgx.Row) (export.ScheduleRecord, error) {
	var (
		s         export.ScheduleRecord
		dataRange string
		lastRun   *time.Time
		nextRun   *time.Time
	)
	err := row.Scan(&s.ID, &s.TargetID, &s.Name, &s.CronExpression,
		&s.Timezone, &dataRange,
		&s.LookbackPeriods, &s.Enabled,
		&s.TotalRuns, &s.SuccessRuns, &s.FailureRuns,
		&lastRun, &nextRun, &s.LastError)
	if err != nil {
		return export.ScheduleRecord{}, err
	}
	s.DataRange = export.DataRange(dataRange)
	if lastRun != nil {
		s.LastRunMs = timestamp.ToUnixMs(*lastRun)
	}
	if nextRun != nil {
		s.NextRunMs = timestamp.ToUnixMs(*nextRun)
	}
	return s, nil
}

// Schedules implements Store.
func (p *Postgres) Schedules(ctx context.Context) ([]export.ScheduleRecord, error) {
	q := `SELECT ` + scheduleColumns + ` FROM export_schedules WHERE is_enabled ORDER BY id`

	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "Schedules", "query")
	}
	defer rows.Close()

	var schedules []export.ScheduleRecord
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "Schedules", "scan")
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "Schedules", "iterate")
	}
	return schedules, nil
}

// Schedule implements Store.
func (p *Postgres) Schedule(ctx context.Context, id int) (export.ScheduleRecord, error) {
	q := `SELECT ` + scheduleColumns + ` FROM export_schedules WHERE id = $1`

	s, err := scanSchedule(p.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return export.ScheduleRecord{}, errors.WrapInvalid(
				errors.ErrScheduleNotFound, "Postgres", "Schedule", "load")
		}
		return export.ScheduleRecord{}, errors.WrapTransient(err, "Postgres", "Schedule", "scan")
	}
	return s, nil
}

// UpdateScheduleRun implements Store.
func (p *Postgres) UpdateScheduleRun(ctx context.Context, run ScheduleRun) error {
	const q = `
		UPDATE export_schedules SET
			total_runs      = total_runs + 1,
			successful_runs = successful_runs + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_runs     = failed_runs     + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_run_at     = $3,
			last_status     = CASE WHEN $2 THEN 'success' ELSE 'failure' END,
			last_error      = NULLIF($4, ''),
			next_run_at     = COALESCE($5, next_run_at),
			updated_at      = now()
		WHERE id = $1`

	var nextRun any
	if !run.NextRun.IsZero() {
		nextRun = run.NextRun
	}
	tag, err := p.pool.Exec(ctx, q,
		run.ScheduleID, run.Success, run.RanAt, run.Error, nextRun)
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "UpdateScheduleRun", "exec")
	}
	if tag.RowsAffected() == 0 {
		return errors.WrapInvalid(errors.ErrScheduleNotFound, "Postgres", "UpdateScheduleRun", "update")
	}
	return nil
}

// PointValues implements Store.
func (p *Postgres) PointValues(ctx context.Context, pointIDs []int, from, to time.Time) ([]export.PointSample, error) {
	if len(pointIDs) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(pointIDs))
	for i, id := range pointIDs {
		ids[i] = int64(id)
	}

	const q = `
		SELECT point_id, COALESCE(point_name, ''), COALESCE(building_id, 0),
		       value, status, ts
		FROM point_values
		WHERE point_id = ANY($1::bigint[]) AND ts >= $2 AND ts < $3
		ORDER BY ts`

	rows, err := p.pool.Query(ctx, q, ids, from, to)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "PointValues", "query")
	}
	defer rows.Close()

	var samples []export.PointSample
	for rows.Next() {
		var (
			s  export.PointSample
			ts time.Time
		)
		if err := rows.Scan(&s.PointID, &s.PointName, &s.BuildingID,
			&s.Value, &s.Status, &ts); err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "PointValues", "scan")
		}
		s.TimestampMs = timestamp.ToUnixMs(ts)
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "PointValues", "iterate")
	}
	return samples, nil
}

// UpdateTargetStats implements Store.
func (p *Postgres) UpdateTargetStats(ctx context.Context, targetID int, stats export.TargetStatsSnapshot) error {
	const q = `
		UPDATE export_targets SET
			total_exports        = $2,
			successful_exports   = $3,
			failed_exports       = $4,
			consecutive_failures = $5,
			total_retries        = $6,
			total_bytes          = $7,
			avg_export_time_ms   = $8,
			last_export_at  = CASE WHEN $9::bigint  > 0 THEN to_timestamp($9::double precision / 1000.0)  ELSE last_export_at  END,
			last_success_at = CASE WHEN $10::bigint > 0 THEN to_timestamp($10::double precision / 1000.0) ELSE last_success_at END,
			updated_at = now()
		WHERE id = $1`

	tag, err := p.pool.Exec(ctx, q, targetID,
		stats.SuccessCount+stats.FailureCount,
		stats.SuccessCount, stats.FailureCount,
		stats.ConsecutiveFailures, stats.TotalRetries, stats.TotalBytes,
		stats.AvgResponseMs, stats.LastExportMs, stats.LastSuccessMs)
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "UpdateTargetStats", "exec")
	}
	if tag.RowsAffected() == 0 {
		return errors.WrapInvalid(errors.ErrTargetNotFound, "Postgres", "UpdateTargetStats", "update")
	}
	return nil
}

var exportLogColumns = []string{
	"log_type", "service_id", "target_id", "mapping_id", "point_id",
	"source_value", "converted_value", "status", "error_message", "error_code",
	"response_data", "http_status_code", "processing_time_ms", "timestamp",
	"client_info",
}

// InsertLogBatch implements Store using the COPY protocol, the cheapest way
// to land a hundred rows at a time.
func (p *Postgres) InsertLogBatch(ctx context.Context, entries []export.ExportLogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "Postgres", "InsertLogBatch", "begin")
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			p.logger.Warn("rollback failed", "error", rbErr)
		}
	}()

	count, err := tx.Conn().CopyFrom(ctx,
		pgx.Identifier{"export_logs"},
		exportLogColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			ts := timestamp.FromUnixMs(e.Timestamp)
			if e.Timestamp == 0 {
				ts = time.Now()
			}
			return []any{
				e.LogType,
				nullableStr(e.ServiceID),
				nullableInt(e.TargetID),
				nullableInt(e.MappingID),
				nullableInt(e.PointID),
				nullableStr(e.SourceValue),
				nullableStr(e.ConvertedValue),
				e.Status,
				nullableStr(e.ErrorMessage),
				nullableStr(e.ErrorCode),
				nullableStr(e.ResponseData),
				nullableInt(e.HTTPStatusCode),
				e.ProcessingMs,
				ts,
				nullableStr(e.ClientInfo),
			}, nil
		}),
	)
	if err != nil {
		return 0, errors.WrapTransient(err, "Postgres", "InsertLogBatch", "copy")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.WrapTransient(err, "Postgres", "InsertLogBatch", "commit")
	}
	return int(count), nil
}

const logSelectColumns = `
	log_type, COALESCE(service_id, ''), COALESCE(target_id, 0),
	COALESCE(mapping_id, 0), COALESCE(point_id, 0),
	COALESCE(source_value, ''), COALESCE(converted_value, ''), status,
	COALESCE(error_message, ''), COALESCE(error_code, ''),
	COALESCE(response_data, ''), COALESCE(http_status_code, 0),
	COALESCE(processing_time_ms, 0), timestamp, COALESCE(client_info, '')`

func (p *Postgres) scanLogs(rows pgx.Rows) ([]export.ExportLogEntry, error) {
	defer rows.Close()

	var entries []export.ExportLogEntry
	for rows.Next() {
		var (
			e  export.ExportLogEntry
			ts time.Time
		)
		if err := rows.Scan(&e.LogType, &e.ServiceID, &e.TargetID,
			&e.MappingID, &e.PointID,
			&e.SourceValue, &e.ConvertedValue, &e.Status,
			&e.ErrorMessage, &e.ErrorCode,
			&e.ResponseData, &e.HTTPStatusCode,
			&e.ProcessingMs, &ts, &e.ClientInfo); err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "scanLogs", "scan")
		}
		e.Timestamp = timestamp.ToUnixMs(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "scanLogs", "iterate")
	}
	return entries, nil
}

// RecentLogs implements Store.
func (p *Postgres) RecentLogs(ctx context.Context, limit int) ([]export.ExportLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + logSelectColumns + ` FROM export_logs ORDER BY timestamp DESC LIMIT $1`

	rows, err := p.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "RecentLogs", "query")
	}
	return p.scanLogs(rows)
}

// LogsByTimeRange implements Store.
func (p *Postgres) LogsByTimeRange(ctx context.Context, from, to time.Time) ([]export.ExportLogEntry, error) {
	q := `SELECT ` + logSelectColumns + `
		FROM export_logs
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY timestamp DESC`

	rows, err := p.pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "LogsByTimeRange", "query")
	}
	return p.scanLogs(rows)
}

// DeleteLogsBefore implements Store.
func (p *Postgres) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM export_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, errors.WrapTransient(err, "Postgres", "DeleteLogsBefore", "exec")
	}
	return tag.RowsAffected(), nil
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(
			errors.Join(errors.ErrStoreUnavailable, err), "Postgres", "Ping", "ping")
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() {
	p.pool.Close()
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return int32(v)
}
