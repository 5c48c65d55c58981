package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"memberflow.org/internal/orgtree"
	"memberflow.org/internal/transfer"
)

// passthrough lets slice arguments reach the mock the way pgx accepts them.
type passthrough struct{}

func (passthrough) ConvertValue(v any) (driver.Value, error) { return v, nil }

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthrough{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return New(db), mock
}

var (
	created = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	decided = created.Add(48 * time.Hour)
)

func transferRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "subject_id", "from_org_id", "to_org_id", "reason", "status",
		"created_at", "expires_at", "updated_at",
		"out_approver_id", "out_approved", "out_remark", "out_decided_at",
		"in_approver_id", "in_approved", "in_remark", "in_decided_at",
	})
}

func TestTransitionUpdatesAndAppendsLog(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`update transfers\s+set status = \$3,\s+out_approver_id = \$4`).
		WithArgs(int64(7), 0, 2, int64(100), true, "ok", decided).
		WillReturnRows(transferRows().AddRow(
			int64(7), int64(42), int64(10), int64(20), "relocation", int64(2),
			created, created.AddDate(0, 3, 0), decided,
			int64(100), true, "ok", decided,
			nil, nil, nil, nil,
		))
	mock.ExpectExec("insert into approval_log").
		WithArgs("01J0000000000000000000000A", int64(7), 1, int64(100), true, "ok", decided).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := s.Transition(context.Background(), transfer.Transition{
		ID: 7, Expect: transfer.Applying, To: transfer.InApproving, Stage: transfer.StageOut,
		Approval: transfer.Approval{ApproverID: 100, Approved: true, Remark: "ok", DecidedAt: decided},
		Entry: transfer.LogEntry{
			ID: "01J0000000000000000000000A", TransferID: 7, Stage: transfer.StageOut,
			ApproverID: 100, Approved: true, Remark: "ok", CreatedAt: decided,
		},
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != transfer.InApproving || got.Out == nil || got.Out.ApproverID != 100 || got.In != nil {
		t.Fatalf("unexpected transfer %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionReportsConflictAndNotFound(t *testing.T) {
	tr := transfer.Transition{ID: 7, Expect: transfer.InApproving, To: transfer.Approved, Stage: transfer.StageIn,
		Approval: transfer.Approval{ApproverID: 200, Approved: true, DecidedAt: decided}}

	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`update transfers\s+set status = \$3,\s+in_approver_id`).WillReturnRows(transferRows())
	mock.ExpectQuery("select status from transfers").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(int64(4)))
	mock.ExpectRollback()
	if _, err := s.Transition(context.Background(), tr); !errors.Is(err, transfer.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("update transfers").WillReturnRows(transferRows())
	mock.ExpectQuery("select status from transfers").WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()
	if _, err := s.Transition(context.Background(), tr); !errors.Is(err, transfer.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateMapsConstraintViolations(t *testing.T) {
	s, mock := newMock(t)
	in := transfer.Transfer{SubjectID: 42, FromOrgID: 10, ToOrgID: 20, Reason: "r", CreatedAt: created, ExpiresAt: created, UpdatedAt: created}

	mock.ExpectQuery("insert into transfers").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	got, err := s.Create(context.Background(), in)
	if err != nil || got.ID != 9 {
		t.Fatalf("Create: %+v %v", got, err)
	}

	mock.ExpectQuery("insert into transfers").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := s.Create(context.Background(), in); !errors.Is(err, transfer.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	mock.ExpectQuery("insert into transfers").WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if _, err := s.Create(context.Background(), in); !errors.Is(err, transfer.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListBuildsFilter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from transfers where subject_id = \$1 and status = any\(\$2\) and to_org_id = any\(\$3\) order by id limit \$4`).
		WithArgs(int64(42), []int64{2}, []int64{20, 21}, 100).
		WillReturnRows(transferRows().AddRow(
			int64(3), int64(42), int64(10), int64(20), "r", int64(2),
			created, created, created,
			int64(0), false, "expired", decided,
			nil, nil, nil, nil,
		))

	list, err := s.List(context.Background(), transfer.Filter{
		SubjectID: 42,
		Statuses:  []transfer.Status{transfer.InApproving},
		OrgIDs:    []int64{20, 21},
		Direction: transfer.DirectionIn,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Out == nil || list[0].Out.ApproverID != 0 || list[0].Out.Remark != "expired" {
		t.Fatalf("unexpected list %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListResumesAfterCursor(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from transfers where \(out_approver_id = \$1 or in_approver_id = \$1\) and id > \$2 order by id limit \$3`).
		WithArgs(int64(7), int64(1000), 1000).
		WillReturnRows(transferRows())

	list, err := s.List(context.Background(), transfer.Filter{ApproverID: 7, AfterID: 1000, Limit: 1000})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("unexpected list %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetAndApprovalLogOfMissingTransfer(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from approval_log").WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "transfer_id", "stage", "approver_id", "approved", "remark", "created_at"}))
	mock.ExpectQuery("from transfers where id = ").WithArgs(int64(5)).WillReturnRows(transferRows())

	if _, err := s.ApprovalLog(context.Background(), 5); !errors.Is(err, transfer.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListOrganizationsParsesPaths(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from organizations").WillReturnRows(sqlmock.NewRows([]string{"id", "name", "parent_id", "path"}).
		AddRow(int64(1), "root", nil, "1").
		AddRow(int64(10), "north", int64(1), "1,10").
		AddRow(int64(12), "north-west", int64(10), "1,10,12"))

	orgs, err := s.ListOrganizations(context.Background())
	if err != nil {
		t.Fatalf("ListOrganizations: %v", err)
	}
	if len(orgs) != 3 || orgs[0].ParentID != 0 || !reflect.DeepEqual(orgs[2].Path, []int64{1, 10, 12}) {
		t.Fatalf("unexpected orgs %+v", orgs)
	}

	mock.ExpectQuery("from organizations").WillReturnRows(sqlmock.NewRows([]string{"id", "name", "parent_id", "path"}).
		AddRow(int64(1), "root", nil, "1,x"))
	if _, err := s.ListOrganizations(context.Background()); !errors.Is(err, orgtree.ErrCorruptTree) {
		t.Fatalf("expected ErrCorruptTree, got %v", err)
	}
}

func TestRoleQueries(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from role_permissions").WillReturnRows(sqlmock.NewRows([]string{"role", "permission"}).
		AddRow("ADMIN", "transfer:approve").
		AddRow("ADMIN", "transfer:view").
		AddRow("MEMBER", "transfer:view"))
	mock.ExpectQuery("from role_assignments").WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("MEMBER"))
	mock.ExpectExec("insert into role_assignments").WithArgs(int64(42), "ORG_ADMIN").
		WillReturnResult(sqlmock.NewResult(0, 1))

	perms, err := s.RolePermissions(context.Background())
	if err != nil {
		t.Fatalf("RolePermissions: %v", err)
	}
	if !reflect.DeepEqual(perms["ADMIN"], []string{"transfer:approve", "transfer:view"}) {
		t.Fatalf("unexpected grants %v", perms)
	}
	roles, err := s.RolesOf(context.Background(), 42)
	if err != nil || !reflect.DeepEqual(roles, []string{"MEMBER"}) {
		t.Fatalf("RolesOf: %v %v", roles, err)
	}
	if err := s.AssignRole(context.Background(), 42, " org_admin "); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := s.GrantPermission(context.Background(), "", "x"); err == nil {
		t.Fatalf("blank role must be rejected")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
