package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/outflowhq/outflow/pkg/schema"
)

const (
	dialectLibsql   = "libsql"
	dialectPostgres = "postgres"
)

// dialect captures the driver-specific corners of SQL syntax. Queries are
// written with ? placeholders and rebound for drivers that use numbered ones.
type dialect struct {
	name     string
	numbered bool
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// SQLStore implements the Store interface on a database/sql connection.
// The same implementation backs both the embedded libSQL database and
// PostgreSQL; the dialect carries the differences.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

// Vacuum compacts the database.
func (s *SQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *SQLStore) q(query string) string { return s.dialect.rebind(query) }

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- Flows ---

func (s *SQLStore) CreateFlow(ctx context.Context, flow *FlowRecord) error {
	def, err := json.Marshal(flow.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if flow.Version == 0 {
		flow.Version = 1
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO flows (id, name, version, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		flow.ID, nullStr(flow.Name), flow.Version, string(def),
		timeOrNow(flow.CreatedAt), timeOrNow(flow.UpdatedAt),
	)
	return err
}

const flowColumns = `id, name, version, definition, created_at, updated_at`

func scanFlow(sc rowScanner) (*FlowRecord, error) {
	f := &FlowRecord{}
	var (
		name    sql.NullString
		defJSON string
	)
	if err := sc.Scan(&f.ID, &name, &f.Version, &defJSON, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Name = name.String
	if err := json.Unmarshal([]byte(defJSON), &f.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return f, nil
}

func (s *SQLStore) GetFlow(ctx context.Context, id string) (*FlowRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+flowColumns+` FROM flows WHERE id = ?`), id)
	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", id)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SQLStore) UpdateFlow(ctx context.Context, flow *FlowRecord) error {
	def, err := json.Marshal(flow.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE flows SET name = ?, version = ?, definition = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`),
		nullStr(flow.Name), flow.Version, string(def), flow.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", flow.ID)
}

func (s *SQLStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM flows WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

func (s *SQLStore) ListFlows(ctx context.Context) ([]*FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+flowColumns+` FROM flows ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*FlowRecord
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// --- Executions ---

func (s *SQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	contacts, err := marshalStrings(exec.ContactIDs)
	if err != nil {
		return fmt.Errorf("marshal contact_ids: %w", err)
	}
	if exec.State == "" {
		exec.State = schema.ExecutionPending
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO executions (id, flow_id, contact_ids, state, current_node_id, next_node_id, next_node_scheduled_at, error_message, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.FlowID, contacts, string(exec.State),
		nullStr(exec.CurrentNodeID), nullStr(exec.NextNodeID), nullTime(exec.NextNodeScheduledAt),
		nullStr(exec.ErrorMessage), timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

const executionColumns = `id, flow_id, contact_ids, state, current_node_id, next_node_id, next_node_scheduled_at, error_message, created_at, started_at, completed_at, updated_at`

func scanExecution(sc rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		contactsJSON               string
		state                      string
		currentNode, nextNode      sql.NullString
		errMsg                     sql.NullString
		scheduledAt                sql.NullTime
		startedAt, completedAt     sql.NullTime
	)
	if err := sc.Scan(&e.ID, &e.FlowID, &contactsJSON, &state, &currentNode, &nextNode,
		&scheduledAt, &errMsg, &e.CreatedAt, &startedAt, &completedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contactsJSON), &e.ContactIDs); err != nil {
		return nil, fmt.Errorf("unmarshal contact_ids: %w", err)
	}
	e.State = schema.ExecutionState(state)
	e.CurrentNodeID = currentNode.String
	e.NextNodeID = nextNode.String
	e.ErrorMessage = errMsg.String
	if scheduledAt.Valid {
		e.NextNodeScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.NextNodeID != nil {
		sets = append(sets, "next_node_id = ?")
		args = append(args, nullStr(*update.NextNodeID))
	}
	if update.NextNodeScheduledAt != nil {
		sets = append(sets, "next_node_scheduled_at = ?")
		args = append(args, *update.NextNodeScheduledAt)
	}
	if update.ClearNext {
		sets = append(sets, "next_node_id = NULL", "next_node_scheduled_at = NULL")
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.DueBefore != nil {
		where = append(where, "next_node_scheduled_at IS NOT NULL AND next_node_scheduled_at <= ?")
		args = append(args, *filter.DueBefore)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (s *SQLStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		 WHERE state = ? AND next_node_scheduled_at IS NOT NULL AND next_node_scheduled_at <= ?
		 ORDER BY next_node_scheduled_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), string(schema.ExecutionInProgress), timeOrNow(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- Stage records ---

func (s *SQLStore) CreateStageRecord(ctx context.Context, rec *StageRecord) error {
	if rec.State == "" {
		rec.State = schema.RecordPending
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO stage_records (execution_id, node_id, state, attempt, provider_message_id, provider_response, error_message, synthetic, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ExecutionID, rec.NodeID, string(rec.State), rec.Attempt,
		nullStr(rec.ProviderMessageID), nullRaw(rec.ProviderResponse), nullStr(rec.ErrorMessage),
		rec.Synthetic, nullTime(rec.StartedAt), nullTime(rec.CompletedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

const stageRecordColumns = `execution_id, node_id, state, attempt, provider_message_id, provider_response, error_message, synthetic, started_at, completed_at, updated_at`

func scanStageRecord(sc rowScanner) (*StageRecord, error) {
	r := &StageRecord{}
	var (
		state                  string
		providerID, errMsg     sql.NullString
		response               sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := sc.Scan(&r.ExecutionID, &r.NodeID, &state, &r.Attempt, &providerID,
		&response, &errMsg, &r.Synthetic, &startedAt, &completedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.State = schema.RecordState(state)
	r.ProviderMessageID = providerID.String
	r.ProviderResponse = rawOrNil(response)
	r.ErrorMessage = errMsg.String
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *SQLStore) GetStageRecord(ctx context.Context, executionID, nodeID string) (*StageRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+stageRecordColumns+` FROM stage_records WHERE execution_id = ? AND node_id = ?`),
		executionID, nodeID)
	r, err := scanStageRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("stage record", executionID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLStore) UpdateStageRecord(ctx context.Context, executionID, nodeID string, update StageRecordUpdate) error {
	var sets []string
	var args []any

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.Attempt != nil {
		sets = append(sets, "attempt = ?")
		args = append(args, *update.Attempt)
	}
	if update.ProviderMessageID != nil {
		sets = append(sets, "provider_message_id = ?")
		args = append(args, nullStr(*update.ProviderMessageID))
	}
	if update.ProviderResponse != nil {
		sets = append(sets, "provider_response = ?")
		args = append(args, string(update.ProviderResponse))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.Synthetic != nil {
		sets = append(sets, "synthetic = ?")
		args = append(args, *update.Synthetic)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, executionID, nodeID)

	query := fmt.Sprintf("UPDATE stage_records SET %s WHERE execution_id = ? AND node_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "stage record", executionID+"/"+nodeID)
}

func (s *SQLStore) ListStageRecords(ctx context.Context, executionID string) ([]*StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+stageRecordColumns+` FROM stage_records WHERE execution_id = ? ORDER BY updated_at ASC`),
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*StageRecord
	for rows.Next() {
		r, err := scanStageRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLStore) ListStageRecordsByState(ctx context.Context, state schema.RecordState, limit int) ([]*StageRecord, error) {
	query := `SELECT ` + stageRecordColumns + ` FROM stage_records WHERE state = ? ORDER BY updated_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*StageRecord
	for rows.Next() {
		r, err := scanStageRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// --- Condition records ---

func (s *SQLStore) CreateConditionRecord(ctx context.Context, rec *ConditionRecord) error {
	if rec.State == "" {
		rec.State = schema.RecordPending
	}
	branchYes, err := nullStrings(rec.BranchYes)
	if err != nil {
		return fmt.Errorf("marshal branch_yes: %w", err)
	}
	branchNo, err := nullStrings(rec.BranchNo)
	if err != nil {
		return fmt.Errorf("marshal branch_no: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO condition_records (execution_id, node_id, state, check_param, check_operator, check_value, source_message_id, result, metric_value, branch_yes, branch_no, error_message, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ExecutionID, rec.NodeID, string(rec.State), rec.CheckParam, rec.CheckOperator,
		nullRaw(rec.CheckValue), nullStr(rec.SourceMessageID), nullBool(rec.Result), nullInt(rec.MetricValue),
		branchYes, branchNo, nullStr(rec.ErrorMessage),
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

const conditionRecordColumns = `execution_id, node_id, state, check_param, check_operator, check_value, source_message_id, result, metric_value, branch_yes, branch_no, error_message, started_at, completed_at, updated_at`

func scanConditionRecord(sc rowScanner) (*ConditionRecord, error) {
	r := &ConditionRecord{}
	var (
		state                  string
		checkValue             sql.NullString
		sourceID, errMsg       sql.NullString
		result                 sql.NullBool
		metricValue            sql.NullInt64
		branchYes, branchNo    sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := sc.Scan(&r.ExecutionID, &r.NodeID, &state, &r.CheckParam, &r.CheckOperator,
		&checkValue, &sourceID, &result, &metricValue, &branchYes, &branchNo, &errMsg,
		&startedAt, &completedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.State = schema.RecordState(state)
	r.CheckValue = rawOrNil(checkValue)
	r.SourceMessageID = sourceID.String
	r.ErrorMessage = errMsg.String
	if result.Valid {
		r.Result = &result.Bool
	}
	if metricValue.Valid {
		v := int(metricValue.Int64)
		r.MetricValue = &v
	}
	if branchYes.Valid && branchYes.String != "" {
		_ = json.Unmarshal([]byte(branchYes.String), &r.BranchYes)
	}
	if branchNo.Valid && branchNo.String != "" {
		_ = json.Unmarshal([]byte(branchNo.String), &r.BranchNo)
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *SQLStore) GetConditionRecord(ctx context.Context, executionID, nodeID string) (*ConditionRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+conditionRecordColumns+` FROM condition_records WHERE execution_id = ? AND node_id = ?`),
		executionID, nodeID)
	r, err := scanConditionRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("condition record", executionID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLStore) UpdateConditionRecord(ctx context.Context, executionID, nodeID string, update ConditionRecordUpdate) error {
	var sets []string
	var args []any

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.SourceMessageID != nil {
		sets = append(sets, "source_message_id = ?")
		args = append(args, nullStr(*update.SourceMessageID))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *update.Result)
	}
	if update.MetricValue != nil {
		sets = append(sets, "metric_value = ?")
		args = append(args, *update.MetricValue)
	}
	if update.BranchYes != nil {
		v, err := nullStrings(update.BranchYes)
		if err != nil {
			return fmt.Errorf("marshal branch_yes: %w", err)
		}
		sets = append(sets, "branch_yes = ?")
		args = append(args, v)
	}
	if update.BranchNo != nil {
		v, err := nullStrings(update.BranchNo)
		if err != nil {
			return fmt.Errorf("marshal branch_no: %w", err)
		}
		sets = append(sets, "branch_no = ?")
		args = append(args, v)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, executionID, nodeID)

	query := fmt.Sprintf("UPDATE condition_records SET %s WHERE execution_id = ? AND node_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "condition record", executionID+"/"+nodeID)
}

func (s *SQLStore) ListConditionRecords(ctx context.Context, executionID string) ([]*ConditionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+conditionRecordColumns+` FROM condition_records WHERE execution_id = ? ORDER BY updated_at ASC`),
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ConditionRecord
	for rows.Next() {
		r, err := scanConditionRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// --- Message records ---

func (s *SQLStore) CreateMessageRecord(ctx context.Context, rec *MessageRecord) error {
	if rec.State == "" {
		rec.State = schema.MessagePending
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO message_records (id, execution_id, node_id, contact_id, channel, state, provider_message_id, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ExecutionID, rec.NodeID, rec.ContactID, string(rec.Channel), string(rec.State),
		nullStr(rec.ProviderMessageID), nullStr(rec.ErrorMessage),
		timeOrNow(rec.CreatedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

const messageRecordColumns = `id, execution_id, node_id, contact_id, channel, state, provider_message_id, error_message, created_at, updated_at`

func scanMessageRecord(sc rowScanner) (*MessageRecord, error) {
	m := &MessageRecord{}
	var (
		channel, state     string
		providerID, errMsg sql.NullString
	)
	if err := sc.Scan(&m.ID, &m.ExecutionID, &m.NodeID, &m.ContactID, &channel, &state,
		&providerID, &errMsg, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Channel = schema.Channel(channel)
	m.State = schema.MessageState(state)
	m.ProviderMessageID = providerID.String
	m.ErrorMessage = errMsg.String
	return m, nil
}

func (s *SQLStore) GetMessageRecord(ctx context.Context, id string) (*MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+messageRecordColumns+` FROM message_records WHERE id = ?`), id)
	m, err := scanMessageRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("message record", id)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLStore) UpdateMessageRecord(ctx context.Context, id string, update MessageRecordUpdate) error {
	var sets []string
	var args []any

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.ProviderMessageID != nil {
		sets = append(sets, "provider_message_id = ?")
		args = append(args, nullStr(*update.ProviderMessageID))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE message_records SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "message record", id)
}

// ListMessageRecords returns message records for an execution, optionally
// narrowed to one node. Ordered by creation time.
func (s *SQLStore) ListMessageRecords(ctx context.Context, executionID, nodeID string) ([]*MessageRecord, error) {
	query := `SELECT ` + messageRecordColumns + ` FROM message_records WHERE execution_id = ?`
	args := []any{executionID}
	if nodeID != "" {
		query += " AND node_id = ?"
		args = append(args, nodeID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*MessageRecord
	for rows.Next() {
		m, err := scanMessageRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, m)
	}
	return recs, rows.Err()
}

// --- Jobs ---

func (s *SQLStore) CreateJob(ctx context.Context, job *Job) error {
	if job.State == "" {
		job.State = schema.JobPending
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO jobs (id, kind, payload, run_at, attempts, state, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Kind, nullRaw(job.Payload), timeOrNow(job.RunAt), job.Attempts,
		string(job.State), nullStr(job.LastError), timeOrNow(job.CreatedAt), timeOrNow(job.UpdatedAt),
	)
	return err
}

const jobColumns = `id, kind, payload, run_at, attempts, state, last_error, created_at, updated_at`

func scanJob(sc rowScanner) (*Job, error) {
	j := &Job{}
	var (
		payload   sql.NullString
		state     string
		lastError sql.NullString
	)
	if err := sc.Scan(&j.ID, &j.Kind, &payload, &j.RunAt, &j.Attempts, &state,
		&lastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Payload = rawOrNil(payload)
	j.State = schema.JobState(state)
	j.LastError = lastError.String
	return j, nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *SQLStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	var sets []string
	var args []any

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.RunAt != nil {
		sets = append(sets, "run_at = ?")
		args = append(args, *update.RunAt)
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*update.LastError))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", id)
}

// ClaimJob transitions a pending job to running, incrementing its attempt
// counter. The conditional update makes the claim race-safe: a second
// claimer sees zero rows affected and backs off.
func (s *SQLStore) ClaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET state = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND state = ?`),
		string(schema.JobRunning), timeOrNow(now), id, string(schema.JobPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) ListDueJobs(ctx context.Context, kind string, now time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE kind = ? AND state = ? AND run_at <= ? ORDER BY run_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), kind, string(schema.JobPending), timeOrNow(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) CountJobs(ctx context.Context, kind string, state schema.JobState) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM jobs WHERE kind = ? AND state = ?`), kind, string(state)).Scan(&n)
	return n, err
}

// --- Events ---

func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx, s.q(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`), event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		event.ExecutionID, nullStr(event.NodeID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *SQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`),
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.OutflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// marshalStrings serializes a string slice as a JSON array, defaulting to [].
func marshalStrings(vals []string) (string, error) {
	if len(vals) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// nullStrings serializes a string slice as a JSON array, or NULL when empty.
func nullStrings(vals []string) (any, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
