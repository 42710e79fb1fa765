// Copyright (c) 2026 Featherbone. All rights reserved.

package crud

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// fakeDB records statements and serves canned single rows.
type fakeDB struct {
	rowSQL []string
	row    pgx.Row
}

func (d *fakeDB) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (d *fakeDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}

func (d *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	d.rowSQL = append(d.rowSQL, sql)
	return d.row
}

type int64Row int64

func (r int64Row) Scan(dest ...any) error {
	*(dest[0].(*int64)) = int64(r)
	return nil
}

type boolRow bool

func (r boolRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = bool(r)
	return nil
}

func TestNextAutonumber(t *testing.T) {
	db := &fakeDB{row: int64Row(7)}

	got, err := nextAutonumber(context.Background(), db, &feather.Autonumber{
		Prefix:   "ORD",
		Suffix:   "-X",
		Length:   5,
		Sequence: "orderSeq",
	})
	require.NoError(t, err)
	assert.Equal(t, "ORD00007-X", got)

	// Drawn under the same quoted spelling the catalog creates it with, so
	// mixed-case sequence names resolve.
	require.Len(t, db.rowSQL, 1)
	assert.Equal(t, `SELECT nextval('"orderSeq"')`, db.rowSQL[0])
}

func TestCheckNaturalKeyMessage(t *testing.T) {
	e := testEngine()
	f := contactFeather()
	db := &fakeDB{row: boolRow(true)}

	err := e.checkNaturalKey(context.Background(), db, f, "lastName", f.Properties["lastName"], "Jones")
	require.Error(t, err)
	assert.Equal(t, 409, apperr.StatusOf(err))
	assert.Equal(t,
		"Value 'Jones' assigned to Last Name on Contact is not unique to data type Contact.",
		apperr.As(err).Message,
	)

	// A free value passes.
	db = &fakeDB{row: boolRow(false)}
	assert.NoError(t, e.checkNaturalKey(context.Background(), db, f, "lastName", f.Properties["lastName"], "Curie"))
}

func TestWatchedFeather(t *testing.T) {
	criteria := &tools.Filter{Criteria: []tools.Criterion{{Operator: "="}}}

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"unconstrained list watches the feather", Request{Name: "Contact"}, "Contact"},
		{"single read watches only the id", Request{Name: "Contact", ID: "abc"}, ""},
		{"criteria filter watches only result ids", Request{Name: "Contact", Filter: criteria}, ""},
		{"sort or paging alone does not constrain", Request{Name: "Contact", Filter: &tools.Filter{}}, "Contact"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, watchedFeather(tc.req))
		})
	}
}
