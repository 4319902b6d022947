package stores

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/pdp"
)

func openTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	require.NoError(t, Migrate(db))
	return db
}

func testRecord(principal string, effect pdp.Effect, at time.Time) *pdp.DecisionRecord {
	d := &pdp.Decision{
		RequestID:       "req-" + principal,
		Decision:        effect,
		Allowed:         effect == pdp.EffectAllow,
		Reason:          "test",
		SnapshotVersion: 3,
		EvaluatedAt:     at,
	}
	p := &pdp.Principal{ID: principal, Roles: []string{"viewer"}}
	res := &pdp.Resource{Type: "document", ID: "doc-1"}
	rc := &pdp.RequestContext{Time: at, IP: "10.0.0.1"}
	return pdp.NewDecisionRecord(p, res, pdp.ActionRead, rc, d)
}

func TestSQLDecisionLogAppendAndVerify(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	log := NewSQLDecisionLog(db)

	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, log.Append(ctx, testRecord("alice", pdp.EffectAllow, base)))
	require.NoError(t, log.Append(ctx, testRecord("bob", pdp.EffectDeny, base.Add(time.Minute))))
	require.NoError(t, log.Append(ctx, testRecord("alice", pdp.EffectDeny, base.Add(2*time.Minute))))

	require.NoError(t, log.Verify(ctx))

	all, err := log.List(ctx, pdp.DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Empty(t, all[0].PrevHash)
	require.Equal(t, all[0].Hash, all[1].PrevHash)
	require.Equal(t, all[1].Hash, all[2].PrevHash)

	alice, err := log.List(ctx, pdp.DecisionFilter{PrincipalID: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 2)

	denies, err := log.List(ctx, pdp.DecisionFilter{Decision: pdp.EffectDeny, Limit: 1})
	require.NoError(t, err)
	require.Len(t, denies, 1)
	require.Equal(t, "bob", denies[0].Principal.ID)

	window, err := log.List(ctx, pdp.DecisionFilter{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	require.Equal(t, "bob", window[0].Principal.ID)
}

func TestSQLDecisionLogResumesChain(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, NewSQLDecisionLog(db).Append(ctx, testRecord("alice", pdp.EffectAllow, at)))
	// a fresh instance continues from the stored head
	second := NewSQLDecisionLog(db)
	require.NoError(t, second.Append(ctx, testRecord("bob", pdp.EffectAllow, at)))
	require.NoError(t, second.Verify(ctx))
}

func TestSQLDecisionLogDetectsTampering(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	log := NewSQLDecisionLog(db)
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, log.Append(ctx, testRecord("alice", pdp.EffectDeny, at)))
	require.NoError(t, log.Append(ctx, testRecord("bob", pdp.EffectDeny, at)))

	recs, err := log.List(ctx, pdp.DecisionFilter{PrincipalID: "alice"})
	require.NoError(t, err)
	recs[0].Decision = pdp.EffectAllow
	body, err := encodeBody(recs[0])
	require.NoError(t, err)
	_, err = db.NamedExecContext(ctx, `UPDATE decision_log SET body = :body WHERE id = :id`,
		map[string]any{"body": body, "id": recs[0].ID})
	require.NoError(t, err)

	require.Error(t, log.Verify(ctx))
}
