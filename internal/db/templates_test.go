package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nowForTest() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func TestDeleteTemplate_RestrictedWhileReferenced(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewTemplateStore(mockDB)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM sessions").
		WithArgs("tmpl_python").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	err = store.DeleteTemplate(context.Background(), "tmpl_python")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "active sessions")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTemplate_Success(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewTemplateStore(mockDB)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM sessions").
		WithArgs("tmpl_python").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("DELETE FROM templates").
		WithArgs("tmpl_python").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.DeleteTemplate(context.Background(), "tmpl_python")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTemplateByName(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewTemplateStore(mockDB)

	rows := sqlmock.NewRows([]string{
		"id", "name", "image_ref", "cpu_millis", "memory_bytes", "disk_bytes",
		"packages", "security_context", "created_at", "updated_at",
	}).AddRow("tmpl_1", "python-basic", "sandpool/python:3.12",
		int64(1000), int64(2147483648), int64(10737418240),
		[]byte(`["requests"]`), []byte(`{}`), nowForTest(), nowForTest())

	mock.ExpectQuery("SELECT (.+) FROM templates WHERE name").
		WithArgs("python-basic").
		WillReturnRows(rows)

	tmpl, err := store.GetTemplateByName(context.Background(), "python-basic")

	assert.NoError(t, err)
	require.NotNil(t, tmpl)
	assert.Equal(t, "sandpool/python:3.12", tmpl.ImageRef)
	assert.Equal(t, []string{"requests"}, tmpl.Packages)
	assert.NoError(t, mock.ExpectationsWereMet())
}
