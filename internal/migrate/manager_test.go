package migrate

import (
	"context"
	"errors"
	"io/fs"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

var testFS = fstest.MapFS{
	"sql/0001_a.up.sql":   {Data: []byte("create table a (id int);")},
	"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
	"sql/0002_b.up.sql":   {Data: []byte("-- keep; this out\ncreate table b (x text default 'a;b');\ncreate index b_x on b (x);\n")},
	"seeds/0001_s.sql":    {Data: []byte("insert into a values (1);")},
}

func expectBookkeeping(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table b (x text default 'a;b')")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_x").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := NewManager(db, testFS).Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if !reflect.DeepEqual(applied, []string{"0002_b.up.sql"}) {
		t.Fatalf("applied = %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_seeds").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("insert into a values").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if _, err := NewManager(db, testFS).Seed(context.Background()); err == nil || !strings.Contains(err.Error(), "0001_s.sql") {
		t.Fatalf("expected seed failure naming the file, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0001_a.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := NewManager(db, testFS).Down(context.Background())
	if err != nil || name != "0001_a.up.sql" {
		t.Fatalf("Down: %q %v", name, err)
	}

	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	if _, err := NewManager(db, testFS).Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmbeddedSchema(t *testing.T) {
	ups, err := collectSQL(Embedded(), MigrationsDir, ".up.sql")
	if err != nil || len(ups) == 0 {
		t.Fatalf("embedded migrations: %v %v", ups, err)
	}
	seeds, err := collectSQL(Embedded(), SeedsDir, ".sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("embedded seeds: %v %v", seeds, err)
	}
	raw, err := fs.ReadFile(Embedded(), MigrationsDir+"/"+ups[0])
	if err != nil {
		t.Fatalf("read %s: %v", ups[0], err)
	}
	if !strings.Contains(string(raw), "transfers_one_open_per_subject") {
		t.Fatalf("%s lacks the open-transfer uniqueness index", ups[0])
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- header; ignored\nselect ';';\n\nselect 2;")
	if len(got) != 2 || got[0] != "select ';'" || got[1] != "select 2" {
		t.Fatalf("unexpected split %q", got)
	}
}
