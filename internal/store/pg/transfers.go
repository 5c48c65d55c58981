package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"memberflow.org/internal/transfer"
)

const transferColumns = `id, subject_id, from_org_id, to_org_id, reason, status,
	created_at, expires_at, updated_at,
	out_approver_id, out_approved, out_remark, out_decided_at,
	in_approver_id, in_approved, in_remark, in_decided_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type approvalColumns struct {
	approver  sql.NullInt64
	approved  sql.NullBool
	remark    sql.NullString
	decidedAt sql.NullTime
}

func (c approvalColumns) approval() *transfer.Approval {
	if !c.decidedAt.Valid {
		return nil
	}
	return &transfer.Approval{
		ApproverID: c.approver.Int64,
		Approved:   c.approved.Bool,
		Remark:     c.remark.String,
		DecidedAt:  c.decidedAt.Time.UTC(),
	}
}

func scanTransfer(row rowScanner) (transfer.Transfer, error) {
	var (
		t       transfer.Transfer
		status  int
		out, in approvalColumns
	)
	err := row.Scan(
		&t.ID, &t.SubjectID, &t.FromOrgID, &t.ToOrgID, &t.Reason, &status,
		&t.CreatedAt, &t.ExpiresAt, &t.UpdatedAt,
		&out.approver, &out.approved, &out.remark, &out.decidedAt,
		&in.approver, &in.approved, &in.remark, &in.decidedAt,
	)
	if err != nil {
		return transfer.Transfer{}, err
	}
	t.Status = transfer.Status(status)
	if !t.Status.Valid() {
		return transfer.Transfer{}, fmt.Errorf("pg: transfer %d has invalid status %d", t.ID, status)
	}
	t.CreatedAt, t.ExpiresAt, t.UpdatedAt = t.CreatedAt.UTC(), t.ExpiresAt.UTC(), t.UpdatedAt.UTC()
	t.Out, t.In = out.approval(), in.approval()
	return t, nil
}

func collectTransfers(rows *sql.Rows) ([]transfer.Transfer, error) {
	defer rows.Close()
	var out []transfer.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Create inserts t. The one-open-transfer-per-subject rule is enforced by a
// partial unique index.
func (s *Store) Create(ctx context.Context, t transfer.Transfer) (transfer.Transfer, error) {
	if s.db == nil {
		return transfer.Transfer{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into transfers (subject_id, from_org_id, to_org_id, reason, status, created_at, expires_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning id
	`, t.SubjectID, t.FromOrgID, t.ToOrgID, t.Reason, t.Status.Code(), t.CreatedAt, t.ExpiresAt, t.UpdatedAt)
	if err := row.Scan(&t.ID); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return transfer.Transfer{}, fmt.Errorf("%w: subject %d already has an open transfer", transfer.ErrConflict, t.SubjectID)
			case pgErrForeignKeyViolation:
				return transfer.Transfer{}, fmt.Errorf("%w: unknown organization", transfer.ErrValidation)
			}
		}
		return transfer.Transfer{}, err
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, id int64) (transfer.Transfer, error) {
	if s.db == nil {
		return transfer.Transfer{}, errNoDB
	}
	t, err := scanTransfer(s.db.QueryRowContext(ctx, `select `+transferColumns+` from transfers where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Transfer{}, fmt.Errorf("%w: %d", transfer.ErrNotFound, id)
	}
	return t, err
}

func (s *Store) List(ctx context.Context, f transfer.Filter) ([]transfer.Transfer, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SubjectID != 0 {
		where = append(where, "subject_id = "+arg(f.SubjectID))
	}
	if f.ApproverID != 0 {
		p := arg(f.ApproverID)
		where = append(where, fmt.Sprintf("(out_approver_id = %s or in_approver_id = %s)", p, p))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = any("+arg(statusCodes(f.Statuses))+")")
	}
	if f.OrgIDs != nil {
		col := "from_org_id"
		if f.Direction == transfer.DirectionIn {
			col = "to_org_id"
		}
		where = append(where, col+" = any("+arg(f.OrgIDs)+")")
	}
	if f.AfterID > 0 {
		where = append(where, "id > "+arg(f.AfterID))
	}

	query := `select ` + transferColumns + ` from transfers`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by id limit ` + arg(f.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTransfers(rows)
}

func (s *Store) ApprovalLog(ctx context.Context, id int64) ([]transfer.LogEntry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, transfer_id, stage, approver_id, approved, remark, created_at
		from approval_log
		where transfer_id = $1
		order by id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []transfer.LogEntry
	for rows.Next() {
		var (
			e     transfer.LogEntry
			stage int
		)
		if err := rows.Scan(&e.ID, &e.TransferID, &stage, &e.ApproverID, &e.Approved, &e.Remark, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Stage = transfer.Stage(stage)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Transition runs the guarded update and the log append in one transaction.
func (s *Store) Transition(ctx context.Context, tr transfer.Transition) (transfer.Transfer, error) {
	if s.db == nil {
		return transfer.Transfer{}, errNoDB
	}
	prefix, err := stageColumnPrefix(tr.Stage)
	if err != nil {
		return transfer.Transfer{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transfer.Transfer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a := tr.Approval
	update := fmt.Sprintf(`
		update transfers
		set status = $3,
			%[1]s_approver_id = $4, %[1]s_approved = $5, %[1]s_remark = $6, %[1]s_decided_at = $7,
			updated_at = $7
		where id = $1 and status = $2
		returning `+transferColumns, prefix)
	t, err := scanTransfer(tx.QueryRowContext(ctx, update, tr.ID, tr.Expect.Code(), tr.To.Code(), a.ApproverID, a.Approved, a.Remark, a.DecidedAt))
	if errors.Is(err, sql.ErrNoRows) {
		var current int
		switch err := tx.QueryRowContext(ctx, `select status from transfers where id = $1`, tr.ID).Scan(&current); {
		case errors.Is(err, sql.ErrNoRows):
			return transfer.Transfer{}, fmt.Errorf("%w: %d", transfer.ErrNotFound, tr.ID)
		case err != nil:
			return transfer.Transfer{}, err
		}
		return transfer.Transfer{}, fmt.Errorf("%w: transfer %d is %s, expected %s",
			transfer.ErrConflict, tr.ID, transfer.Status(current), tr.Expect)
	}
	if err != nil {
		return transfer.Transfer{}, err
	}

	e := tr.Entry
	if _, err := tx.ExecContext(ctx, `
		insert into approval_log (id, transfer_id, stage, approver_id, approved, remark, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.TransferID, int(e.Stage), e.ApproverID, e.Approved, e.Remark, e.CreatedAt); err != nil {
		return transfer.Transfer{}, fmt.Errorf("append approval log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return transfer.Transfer{}, err
	}
	return t, nil
}

func (s *Store) Expired(ctx context.Context, now time.Time, statuses []transfer.Status) ([]transfer.Transfer, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+transferColumns+`
		from transfers
		where status = any($1) and expires_at < $2
		order by id
	`, statusCodes(statuses), now)
	if err != nil {
		return nil, err
	}
	return collectTransfers(rows)
}

func stageColumnPrefix(st transfer.Stage) (string, error) {
	switch st {
	case transfer.StageOut:
		return "out", nil
	case transfer.StageIn:
		return "in", nil
	}
	return "", fmt.Errorf("pg: unknown stage %d", int(st))
}

func statusCodes(statuses []transfer.Status) []int64 {
	out := make([]int64, len(statuses))
	for i, st := range statuses {
		out[i] = int64(st.Code())
	}
	return out
}
