package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsmlg-opt/repub-sub000/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	connDB := dbresolver.New(dbresolver.WithPrimaryDBs(db))
	return &Store{db: connDB}, mock
}

func TestGetUserByEmail_Found(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "email", "password_hash", "name", "is_active", "last_login_at"}).
		AddRow("user-1", "dev@example.com", "hash", "Dev", true, nil)
	mock.ExpectQuery(`SELECT id, email, password_hash, name, is_active, last_login_at FROM users`).
		WithArgs("dev@example.com").
		WillReturnRows(rows)

	u, err := s.GetUserByEmail(context.Background(), "dev@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)
	assert.Equal(t, "dev@example.com", u.Email)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByEmail_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, email, password_hash, name, is_active, last_login_at FROM users`).
		WithArgs("ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetUserByEmail(context.Background(), "ghost@example.com")
	require.Error(t, err)
	var se *domain.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, domain.NotFound, se.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_DuplicateEmail_ReturnsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("user-2", "dev@example.com", sqlmock.AnyArg(), "Dev", true).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "users_email_key"`))

	err := s.CreateUser(context.Background(), domain.User{
		ID:       "user-2",
		Email:    "dev@example.com",
		Name:     "Dev",
		IsActive: true,
	})
	require.Error(t, err)
	var se *domain.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, domain.Conflict, se.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPackage_Found(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"name", "owner_id", "is_upstream_cache", "is_discontinued", "replaced_by", "created_at", "updated_at"}).
		AddRow("sample_pkg", "user-1", false, false, nil, now, now)
	mock.ExpectQuery(`SELECT name, owner_id, is_upstream_cache, is_discontinued, replaced_by, created_at, updated_at FROM packages WHERE name = \$1`).
		WithArgs("sample_pkg").
		WillReturnRows(rows)

	pkg, err := s.GetPackage(context.Background(), "sample_pkg")
	require.NoError(t, err)
	assert.Equal(t, "sample_pkg", pkg.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}
