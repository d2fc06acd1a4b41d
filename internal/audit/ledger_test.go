package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dueline/internal/audit"
	"dueline/internal/db"
	"dueline/internal/domain"
	"dueline/internal/migrate"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func openLedger(t *testing.T) (audit.Ledger, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(conn)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO work_items(id,kind,status,severity,owner,due_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		"item-1", "incident", "new", "high", "responder", db.FormatTime(t0.Add(4*time.Hour)), db.FormatTime(t0), db.FormatTime(t0))
	require.NoError(t, err)
	return audit.Ledger{DB: conn, Now: func() time.Time { return t0 }}, conn
}

func appendAll(t *testing.T, l audit.Ledger, conn *sql.DB, entries ...domain.AuditEntry) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	for _, e := range entries {
		_, err := l.Append(ctx, tx, e)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func TestAppendAssignsGapFreeSequence(t *testing.T) {
	l, conn := openLedger(t)
	for i := 0; i < 3; i++ {
		appendAll(t, l, conn, domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionReassigned})
	}
	entries, err := l.List(context.Background(), "item-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.True(t, e.Timestamp.Equal(t0))
	}
}

func TestAppendRequiresTransaction(t *testing.T) {
	l, _ := openLedger(t)
	_, err := l.Append(context.Background(), nil, domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionCreated})
	require.Error(t, err)
}

func TestRolledBackAppendLeavesNoEntry(t *testing.T) {
	l, conn := openLedger(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, tx, domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionCreated})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	entries, err := l.List(ctx, "item-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEntriesIsRestartableAndStoppable(t *testing.T) {
	l, conn := openLedger(t)
	appendAll(t, l, conn,
		domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionCreated, ToState: "new"},
		domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionTransitioned, FromState: "new", ToState: "assigned"},
	)
	seq := l.Entries(context.Background(), "item-1")
	for pass := 0; pass < 2; pass++ {
		var got []int64
		for e, err := range seq {
			require.NoError(t, err)
			got = append(got, e.Seq)
		}
		assert.Equal(t, []int64{1, 2}, got)
	}
	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestListCollectsTrailInOrder(t *testing.T) {
	l, conn := openLedger(t)
	appendAll(t, l, conn,
		domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionCreated, ToState: "new"},
		domain.AuditEntry{WorkItemID: "item-2", Actor: "bob", Action: domain.ActionCreated, ToState: "new"},
		domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionReassigned},
	)
	got, err := l.List(context.Background(), "item-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.ActionCreated, got[0].Action)
	assert.Equal(t, domain.ActionReassigned, got[1].Action)
	assert.Equal(t, int64(2), got[1].Seq)

	none, err := l.List(context.Background(), "item-3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAuditRowsAreImmutable(t *testing.T) {
	l, conn := openLedger(t)
	appendAll(t, l, conn, domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionCreated})

	_, err := conn.Exec(`UPDATE audit_entries SET actor='mallory' WHERE work_item_id='item-1'`)
	require.Error(t, err)
	_, err = conn.Exec(`DELETE FROM audit_entries WHERE work_item_id='item-1'`)
	require.Error(t, err)

	entries, err := l.List(context.Background(), "item-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)
}

func TestReplayFoldsTrail(t *testing.T) {
	l, conn := openLedger(t)
	due := t0.Add(4 * time.Hour)
	later := t0.Add(48 * time.Hour)
	appendAll(t, l, conn,
		domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionCreated, ToState: "new", Detail: map[string]any{
			audit.KeyKind: "incident", audit.KeySeverity: "high", audit.KeyOwner: "responder", audit.KeyDueAt: db.FormatTime(due), audit.KeyVersion: 1,
		}},
		domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionTransitioned, FromState: "new", ToState: "assigned",
			Detail: map[string]any{audit.KeyVersion: 2}},
		domain.AuditEntry{WorkItemID: "item-1", Actor: "system:sla", Action: domain.ActionEscalated, FromState: "assigned", ToState: "assigned",
			Detail: map[string]any{audit.KeyLevel: 1, audit.KeyOwner: "manager", audit.KeyVersion: 3}},
		domain.AuditEntry{WorkItemID: "item-1", Actor: "bob", Action: domain.ActionExceptionApproved, FromState: "assigned", ToState: "assigned",
			Detail: map[string]any{audit.KeyExceptionID: "exc-1", audit.KeyDueAt: db.FormatTime(later), audit.KeyVersion: 4}},
	)

	it, err := audit.Replay(l.Entries(context.Background(), "item-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, it.Status)
	assert.Equal(t, "manager", it.Owner)
	assert.Equal(t, 1, it.EscalationLevel)
	assert.Equal(t, int64(4), it.Version)
	require.NotNil(t, it.ExceptionID)
	assert.Equal(t, "exc-1", *it.ExceptionID)
	assert.True(t, it.DueAt.Equal(later))
}

func TestReplayRejectsSkippedLevel(t *testing.T) {
	l, conn := openLedger(t)
	appendAll(t, l, conn,
		domain.AuditEntry{WorkItemID: "item-1", Actor: "alice", Action: domain.ActionCreated, ToState: "new", Detail: map[string]any{
			audit.KeyDueAt: db.FormatTime(t0), audit.KeyVersion: 1,
		}},
		domain.AuditEntry{WorkItemID: "item-1", Actor: "system:sla", Action: domain.ActionEscalated, Detail: map[string]any{audit.KeyLevel: 2}},
	)
	_, err := audit.Replay(l.Entries(context.Background(), "item-1"))
	require.Error(t, err)
}

func TestReplayEmptyTrail(t *testing.T) {
	l, _ := openLedger(t)
	_, err := audit.Replay(l.Entries(context.Background(), "item-1"))
	require.Error(t, err)
}
