package replica_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warren-db/warren/internal/bus"
	"github.com/warren-db/warren/internal/record"
	"github.com/warren-db/warren/internal/replica"
	"github.com/warren-db/warren/internal/store"
	"github.com/warren-db/warren/internal/testutil"
)

// pair wires two independent in-memory stores together through a memory
// transport, one replicator each.
func pair(t *testing.T) (*store.Store, *store.Store) {
	t.Helper()

	newSt := func() *store.Store {
		b := testutil.OpenSQLite(t)
		reg := record.NewRegistry()
		require.NoError(t, reg.Register(record.Policy{Type: "setting", UniqueBy: []string{"key"}}))
		st := store.New(b, reg, bus.New(nil), nil)
		t.Cleanup(st.Close)
		return st
	}
	stA, stB := newSt(), newSt()

	ta, tb := replica.NewMemoryPair(64)
	repA := replica.New(stA, ta, "proc-a", nil)
	repB := replica.New(stB, tb, "proc-b", nil)
	repA.Start(context.Background())
	repB.Start(context.Background())
	t.Cleanup(repA.Stop)
	t.Cleanup(repB.Stop)

	return stA, stB
}

func waitForRecord(t *testing.T, st *store.Store, id string) record.Record {
	t.Helper()
	var rec record.Record
	require.Eventually(t, func() bool {
		got, err := st.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = got
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return rec
}

func TestReplication_CreatePropagates(t *testing.T) {
	stA, stB := pair(t)
	ctx := context.Background()

	res, err := stA.Create(ctx, record.Record{
		Type:    "task",
		Content: map[string]any{"status": "open"},
	}, store.CreateOptions{})
	require.NoError(t, err)

	rec := waitForRecord(t, stB, res.Record.ID)
	assert.Equal(t, "open", rec.Content["status"])
	assert.Equal(t, res.Record.UpdatedAt, rec.UpdatedAt, "remote timestamps preserved")
}

func TestReplication_UpdatePropagates(t *testing.T) {
	stA, stB := pair(t)
	ctx := context.Background()

	res, err := stA.Create(ctx, record.Record{
		Type:    "task",
		Content: map[string]any{"status": "open"},
	}, store.CreateOptions{})
	require.NoError(t, err)
	waitForRecord(t, stB, res.Record.ID)

	_, err = stA.Update(ctx, res.Record.ID, store.Patch{
		Content: map[string]any{"status": "done"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := stB.Get(ctx, res.Record.ID)
		return err == nil && rec.Content["status"] == "done"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplication_DeletePropagates(t *testing.T) {
	stA, stB := pair(t)
	ctx := context.Background()

	res, err := stA.Create(ctx, record.Record{
		Type:    "task",
		Content: map[string]any{},
	}, store.CreateOptions{})
	require.NoError(t, err)
	waitForRecord(t, stB, res.Record.ID)

	require.NoError(t, stA.Remove(ctx, res.Record.ID))

	require.Eventually(t, func() bool {
		_, err := stB.Get(ctx, res.Record.ID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplication_NoEchoLoop(t *testing.T) {
	stA, stB := pair(t)
	ctx := context.Background()

	res, err := stA.Create(ctx, record.Record{
		Type:    "task",
		Content: map[string]any{"n": 1},
	}, store.CreateOptions{})
	require.NoError(t, err)
	waitForRecord(t, stB, res.Record.ID)

	// Settle, then confirm neither side keeps rewriting the record.
	before, err := stA.Get(ctx, res.Record.ID)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	after, err := stA.Get(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestReplication_BothSidesWriteConverge(t *testing.T) {
	stA, stB := pair(t)
	ctx := context.Background()

	resA, err := stA.Create(ctx, record.Record{Type: "task", Content: map[string]any{"from": "a"}}, store.CreateOptions{})
	require.NoError(t, err)
	resB, err := stB.Create(ctx, record.Record{Type: "task", Content: map[string]any{"from": "b"}}, store.CreateOptions{})
	require.NoError(t, err)

	waitForRecord(t, stB, resA.Record.ID)
	waitForRecord(t, stA, resB.Record.ID)
}

func TestReplication_UniqueTypeFirstClaimStands(t *testing.T) {
	stA, stB := pair(t)
	ctx := context.Background()

	// B claims the tuple locally before A's create arrives.
	local, err := stB.Create(ctx, record.Record{
		Type:    "setting",
		Content: map[string]any{"key": "theme", "value": "local"},
	}, store.CreateOptions{Unique: true})
	require.NoError(t, err)

	_, err = stA.Create(ctx, record.Record{
		Type:    "setting",
		Content: map[string]any{"key": "theme", "value": "remote"},
	}, store.CreateOptions{Unique: true})
	require.NoError(t, err)

	// Give replication time to deliver, then confirm B kept its claim.
	time.Sleep(200 * time.Millisecond)
	rec, err := stB.Get(ctx, local.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, "local", rec.Content["value"])
}

func TestTransport_MemoryPairCloseUnblocksReceive(t *testing.T) {
	a, b := replica.NewMemoryPair(1)

	done := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		done <- err
	}()

	require.NoError(t, b.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock on close")
	}

	err := a.Send(context.Background(), replica.Message{})
	assert.NoError(t, err, "peer close does not fail the sender's buffered channel")
}
