package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
)

var keyCols = []string{"service_id", "kid", "algorithm", "public_key", "sealed_private", "key_version", "created_at", "retired_at", "expires_at"}

func TestKeyRepo_InsertActive(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKeyRepo(db)
	ctx := context.Background()
	rec := model.KeyRecord{ServiceID: "svc-a", KID: "k1", Algorithm: "ES256", PublicKey: []byte("pub"), SealedPrivate: []byte("sealed"), KeyVersion: 1, CreatedAt: time.Now()}

	mock.ExpectExec(`INSERT INTO service_keys`).
		WithArgs("svc-a", "k1", "ES256", []byte("pub"), []byte("sealed"), int64(1), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.InsertActive(ctx, rec))

	mock.ExpectExec(`INSERT INTO service_keys`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.InsertActive(ctx, rec), errs.ErrAlreadyExists)

	mock.ExpectExec(`INSERT INTO service_keys`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	require.ErrorIs(t, r.InsertActive(ctx, rec), errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyRepo_Verification_ScansRetired(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKeyRepo(db)
	now := time.Now()
	retired := now.Add(-time.Hour)
	expires := now.Add(time.Hour)

	mock.ExpectQuery(`FROM service_keys WHERE service_id=\$1 AND \(retired_at IS NULL OR expires_at > \$2\)`).
		WithArgs("svc-a", now).
		WillReturnRows(pgxmock.NewRows(keyCols).
			AddRow("svc-a", "k2", "ES256", []byte("pub2"), []byte("sealed"), int64(2), now, nil, nil).
			AddRow("svc-a", "k1", "ES256", []byte("pub1"), nil, int64(1), retired, &retired, &expires))

	keys, err := r.Verification(context.Background(), "svc-a", now)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.True(t, keys[0].Active())
	require.False(t, keys[1].Active())
	require.Equal(t, expires, keys[1].ExpiresAt)
	require.Nil(t, keys[1].SealedPrivate)
}

func TestKeyRepo_Active_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKeyRepo(db)

	mock.ExpectQuery(`FROM service_keys WHERE service_id=\$1 AND retired_at IS NULL`).
		WithArgs("svc-a").
		WillReturnError(pgx.ErrNoRows)
	_, err := r.Active(context.Background(), "svc-a")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestKeyRepo_Rotate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKeyRepo(db)
	now := time.Now()
	until := now.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT kid, key_version FROM service_keys WHERE service_id=\$1 AND retired_at IS NULL FOR UPDATE`).
		WithArgs("svc-a").
		WillReturnRows(pgxmock.NewRows([]string{"kid", "key_version"}).AddRow("k1", int64(1)))
	mock.ExpectExec(`UPDATE service_keys SET retired_at=\$3, expires_at=\$4, sealed_private=NULL`).
		WithArgs("svc-a", "k1", now, until).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO service_keys`).
		WithArgs("svc-a", "k2", "ES256", []byte("pub2"), []byte("sealed2"), int64(2), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM service_keys WHERE service_id=\$1 AND retired_at IS NOT NULL`).
		WithArgs("svc-a", now, 5).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	next := model.KeyRecord{ServiceID: "svc-a", KID: "k2", Algorithm: "ES256", PublicKey: []byte("pub2"), SealedPrivate: []byte("sealed2")}
	got, err := r.Rotate(context.Background(), next, now, until, 5)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.KeyVersion)
	require.Equal(t, now, got.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyRepo_Rotate_NoActiveKey(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKeyRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT kid, key_version FROM service_keys`).
		WithArgs("svc-a").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := r.Rotate(context.Background(), model.KeyRecord{ServiceID: "svc-a"}, time.Now(), time.Now(), 5)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyRepo_PurgeExpired(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKeyRepo(db)
	now := time.Now()

	mock.ExpectExec(`DELETE FROM service_keys WHERE retired_at IS NOT NULL AND expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	n, err := r.PurgeExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}
