package store

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	values []any
	err    error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = f.values[i].(string)
		case **time.Time:
			*v = f.values[i].(*time.Time)
		case *time.Time:
			*v = f.values[i].(time.Time)
		case *int64:
			*v = f.values[i].(int64)
		case *[]byte:
			*v = f.values[i].([]byte)
		}
	}
	return nil
}

func TestScanThread(t *testing.T) {
	now := time.Now()
	row := fakeRow{values: []any{"t1", "u1", "New chat", (*time.Time)(nil), now, now}}

	th, err := scanThread(row)
	require.NoError(t, err)
	require.Equal(t, "t1", th.ID)
	require.Equal(t, "New chat", th.Title)
	require.Nil(t, th.ArchivedAt)
}

func TestScanMessage(t *testing.T) {
	now := time.Now()
	row := fakeRow{values: []any{int64(7), "t1", "msg-1", "user", []byte(`{"text":"hi"}`), "", []byte(nil), []byte(nil), []byte(nil), now}}

	m, err := scanMessage(row)
	require.NoError(t, err)
	require.Equal(t, int64(7), m.ID)
	require.Equal(t, "user", m.Role)
	require.Equal(t, []byte(`{"text":"hi"}`), m.Content)
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.False(t, isUniqueViolation(errors.New("boom")))
	require.False(t, isUniqueViolation(nil))
}
