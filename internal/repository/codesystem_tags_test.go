package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shamexln/hl7parse/internal/codesystem"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockTagDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *CodeSystemTagRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewCodeSystemTagRepository(db, zap.NewNop())

	return db, mock, repo
}

// ============================================
// Save
// ============================================

func TestCodeSystemTagRepository_Save(t *testing.T) {
	db, mock, repo := setupMockTagDB(t)
	defer db.Close()

	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	snapshot := &codesystem.MappingSnapshot{
		Name: "custom1",
		Tags: []codesystem.Tag{
			{Encode: "68484", SubID: "A1", Description: "HR", Source: "ECG", Channel: "I"},
			{Encode: "68484", SubID: "B2", Description: "SpO2", Extra: map[string]string{"vendor": "Acme"}},
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO codesystem_mappings`).
		WithArgs("custom1", ts, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM codesystem_tags WHERE mapping_name`).
		WithArgs("custom1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO codesystem_tags`).
		WithArgs("custom1", 0, "68484", "HR", "", "", "", "", "A1", "ECG", "I", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO codesystem_tags`).
		WithArgs("custom1", 1, "68484", "SpO2", "", "", "", "", "B2", "", "", `{"vendor":"Acme"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Save(context.Background(), snapshot)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeSystemTagRepository_SaveRollsBackOnError(t *testing.T) {
	db, mock, repo := setupMockTagDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO codesystem_mappings`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM codesystem_tags`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO codesystem_tags`).
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), &codesystem.MappingSnapshot{
		Name: "x",
		Tags: []codesystem.Tag{{Encode: "1"}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert tag 0")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeSystemTagRepository_SaveRequiresName(t *testing.T) {
	db, mock, repo := setupMockTagDB(t)
	defer db.Close()

	assert.Error(t, repo.Save(context.Background(), &codesystem.MappingSnapshot{}))
	assert.Error(t, repo.Save(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// Delete
// ============================================

func TestCodeSystemTagRepository_Delete(t *testing.T) {
	db, mock, repo := setupMockTagDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM codesystem_tags WHERE mapping_name`).
		WithArgs("custom1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM codesystem_mappings WHERE name`).
		WithArgs("custom1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Delete(context.Background(), "custom1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// LoadAll
// ============================================

func TestCodeSystemTagRepository_LoadAll(t *testing.T) {
	db, mock, repo := setupMockTagDB(t)
	defer db.Close()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT name, created_at, updated_at`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "created_at", "updated_at"}).
			AddRow("custom1", created, updated).
			AddRow("empty", created, created))

	tagCols := []string{
		"mapping_name", "encode", "description", "observationtype", "datatype",
		"parameterlabel", "encodesystem", "subid", "source", "channel", "extra",
	}
	mock.ExpectQuery(`FROM codesystem_tags`).
		WillReturnRows(sqlmock.NewRows(tagCols).
			AddRow("custom1", "68484", "HR", "", "", "", "", "A1", "ECG", "I", nil).
			AddRow("custom1", "68484", "SpO2", "%", "", "", "", "B2", "", "", []byte(`{"vendor":"Acme"}`)).
			AddRow("ghost", "1", "", "", "", "", "", "", "", "", nil))

	all, err := repo.LoadAll(context.Background())

	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "custom1", all[0].Name)
	assert.Equal(t, created, all[0].CreatedAt)
	assert.Equal(t, updated, all[0].UpdatedAt)
	require.Len(t, all[0].Tags, 2)
	assert.Equal(t, "ECG/I", all[0].Tags[0].SourceChannel())
	assert.Nil(t, all[0].Tags[0].Extra)
	assert.Equal(t, map[string]string{"vendor": "Acme"}, all[0].Tags[1].Extra)
	assert.Equal(t, "empty", all[1].Name)
	assert.NotNil(t, all[1].Tags)
	assert.Empty(t, all[1].Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeSystemTagRepository_LoadAllQueryError(t *testing.T) {
	db, mock, repo := setupMockTagDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT name, created_at, updated_at`).
		WillReturnError(errors.New("relation does not exist"))

	_, err := repo.LoadAll(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query mappings")
	require.NoError(t, mock.ExpectationsWereMet())
}

// 镜像仓库可直接作为注册表的持久化后端
func TestCodeSystemTagRepository_BacksRegistry(t *testing.T) {
	db, mock, repo := setupMockTagDB(t)
	defer db.Close()

	registry := codesystem.NewRegistry(codesystem.Options{Store: repo}, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO codesystem_mappings`).
		WithArgs("custom1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("read-only transaction"))
	mock.ExpectRollback()

	res := registry.CreateMapping(context.Background(), "custom1", []codesystem.Tag{{Encode: "1"}})

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Failed to persist mapping")
	assert.Empty(t, registry.LoadedNames())
	require.NoError(t, mock.ExpectationsWereMet())
}
