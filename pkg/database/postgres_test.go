package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

func newMockDB(t *testing.T) (*PostgresDB, sqlmock.Sqlmock, *metrics.Collector) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	return Wrap(sqlx.NewDb(db, "postgres"), &Config{Database: "test"}, logging.NewDiscardLogger(), collector), mock, collector
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "localhost", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=localhost port=5432 user=u password=p dbname=d sslmode=disable", cfg.DSN())

	cfg.URL = "postgres://u:p@h/d"
	assert.Equal(t, "postgres://u:p@h/d", cfg.DSN())
}

func TestPostgresDB_GetContext(t *testing.T) {
	db, mock, collector := newMockDB(t)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	var n int
	require.NoError(t, db.GetContext(context.Background(), "probe", &n, "SELECT 1"))
	assert.Equal(t, 1, n)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"n"}))
	err := db.GetContext(context.Background(), "probe", &n, "SELECT 1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Zero(t, testutil.ToFloat64(collector.DBErrorsTotal.WithLabelValues("get_error")))

	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("boom"))
	assert.Error(t, db.GetContext(context.Background(), "probe", &n, "SELECT 1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.DBErrorsTotal.WithLabelValues("get_error")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDB_ExecAndSelect(t *testing.T) {
	db, mock, collector := newMockDB(t)

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	_, err := db.ExecContext(context.Background(), "migrate", "CREATE TABLE t (id int)")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
	var ids []int
	require.NoError(t, db.SelectContext(context.Background(), "list", &ids, "SELECT id FROM t"))
	assert.Equal(t, []int{1, 2}, ids)

	mock.ExpectQuery("SELECT id").WillReturnError(errors.New("boom"))
	assert.Error(t, db.SelectContext(context.Background(), "list", &ids, "SELECT id FROM t"))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.DBErrorsTotal.WithLabelValues("select_error")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDB_BeginTxAndClose(t *testing.T) {
	db, mock, _ := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()
	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	mock.ExpectClose()
	assert.NoError(t, db.Close())
	assert.NoError(t, db.Close())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_RunsOnReservedConnection(t *testing.T) {
	db, mock, collector := newMockDB(t)
	db.DB().SetMaxOpenConns(1)

	session, err := db.Conn(context.Background())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
	var locked bool
	require.NoError(t, session.GetContext(context.Background(), "lock", &locked, "SELECT pg_try_advisory_lock(1)"))
	assert.True(t, locked)

	// The only pool slot is reserved, so the transaction must use the session.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	tx, err := session.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	_, err = tx.Exec("UPDATE t SET n = 1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	mock.ExpectQuery("SELECT broken").WillReturnError(errors.New("boom"))
	assert.Error(t, session.GetContext(context.Background(), "broken", &locked, "SELECT broken"))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.DBErrorsTotal.WithLabelValues("get_error")))

	require.NoError(t, session.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
