// Copyright (c) 2026 Featherbone. All rights reserved.

package events

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
)

// execRecorder captures every statement a subscription call issues.
type execRecorder struct {
	sqls []string
	args [][]any
}

func (d *execRecorder) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.sqls = append(d.sqls, sql)
	d.args = append(d.args, args)
	return pgconn.CommandTag{}, nil
}

func (d *execRecorder) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}

func (d *execRecorder) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return nil
}

func TestSubscribeReplacesUnlessMerging(t *testing.T) {
	svc := New("n1")
	sub := Subscription{ID: "sub-1", SessionID: "sess-1"}

	t.Run("default replaces prior targets", func(t *testing.T) {
		db := &execRecorder{}
		require.NoError(t, svc.Subscribe(context.Background(), db, sub, []string{"a", "b"}, "Contact"))

		require.Len(t, db.sqls, 4)
		assert.Contains(t, db.sqls[0], "DELETE")
		for _, sql := range db.sqls[1:] {
			assert.Contains(t, sql, "INSERT")
			assert.Contains(t, sql, "ON CONFLICT DO NOTHING")
		}

		// The node id defaults to this node's and scopes the clear.
		assert.Equal(t, []any{"n1", "sess-1", "sub-1"}, db.args[0])

		// Result ids first, then the watched feather.
		var targets []string
		for _, args := range db.args[1:] {
			targets = append(targets, args[3].(string))
		}
		assert.Equal(t, []string{"a", "b", "Contact"}, targets)
	})

	t.Run("merge keeps prior targets", func(t *testing.T) {
		db := &execRecorder{}
		merging := sub
		merging.Merge = true
		require.NoError(t, svc.Subscribe(context.Background(), db, merging, []string{"c"}, ""))

		require.Len(t, db.sqls, 1)
		assert.False(t, strings.Contains(db.sqls[0], "DELETE"))
		assert.Contains(t, db.sqls[0], "INSERT")
	})

	t.Run("requires subscription and session ids", func(t *testing.T) {
		err := svc.Subscribe(context.Background(), &execRecorder{}, Subscription{ID: "sub-1"}, nil, "")
		require.Error(t, err)
		assert.Equal(t, 400, apperr.StatusOf(err))
	})
}
