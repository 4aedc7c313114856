package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes sagactl against db and returns what it printed.
func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp(&out)
	app.ErrWriter = &errOut

	argv := append([]string{"sagactl", "--db", db, "--log-level", "error"}, args...)
	err := app.Run(context.Background(), argv)
	return out.String(), err
}

func mustRun(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := run(t, db, args...)
	require.NoError(t, err, out)
	return out
}

func newDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "saga.db")
}

func TestVersion(t *testing.T) {
	out := mustRun(t, newDB(t), "version")
	assert.Equal(t, "sagactl version dev\n", out)
}

func TestRenewAndRelay(t *testing.T) {
	db := newDB(t)

	out := mustRun(t, db, "seed", "--id", "permit-1", "--expires-in", "480h")
	assert.Contains(t, out, "seeded permit permit-1 (active) for org-1")

	out = mustRun(t, db, "renew", "--permit", "permit-1", "--fee", "2500", "--metrics")
	assert.Contains(t, out, "hook starting")
	assert.Contains(t, out, "hook completed")
	assert.Regexp(t, `start permit-renewal-permit-1-\d+: succeeded`, out)
	assert.Contains(t, out, `saga_completed_total{saga="permit-renewal"} 1`)

	out = mustRun(t, db, "outbox", "list", "--status", "pending")
	assert.Contains(t, out, "permit.renewal_requested")
	assert.Contains(t, out, "permit.renewal_approved")

	out = mustRun(t, db, "outbox", "relay", "--once")
	assert.Contains(t, out, "relayed: leased=2 delivered=2 retried=0 dead=0")
	assert.Equal(t, 2, strings.Count(out, "delivered "), out)
	assert.Contains(t, out, "permit.renewal_approved aggregate=permit-1 org=org-1")

	out = mustRun(t, db, "outbox", "list", "--status", "pending")
	assert.NotContains(t, out, "permit.")

	out = mustRun(t, db, "sagas")
	assert.Contains(t, out, "completed")
}

func TestRenewResumesAfterPaymentOutage(t *testing.T) {
	db := newDB(t)
	mustRun(t, db, "seed", "--id", "permit-2", "--expires-in", "240h")

	out := mustRun(t, db, "renew", "--permit", "permit-2", "--fee", "900", "--fail-payment", "1", "--resume", "1")
	assert.Contains(t, out, "failed, resumable")
	assert.Contains(t, out, "hook compensated")
	assert.Regexp(t, `resume permit-renewal-permit-2-\d+: succeeded`, out)

	out = mustRun(t, db, "outbox", "list")
	assert.Equal(t, 2, strings.Count(out, "permit.renewal_requested"), out)
	assert.Equal(t, 1, strings.Count(out, "permit.renewal_withdrawn"), out)
	assert.Equal(t, 1, strings.Count(out, "permit.renewal_approved"), out)
}

func TestRenewFailureIsReported(t *testing.T) {
	db := newDB(t)
	mustRun(t, db, "seed", "--id", "permit-3", "--expires-in", "240h")

	out, err := run(t, db, "renew", "--permit", "permit-3", "--fail-review", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
	assert.Contains(t, out, "failed, resumable")

	lines := mustRun(t, db, "sagas")
	assert.Contains(t, lines, "failed")
	assert.Contains(t, lines, "agency_review")
}

func TestRenewAbortRevertsPermit(t *testing.T) {
	db := newDB(t)
	mustRun(t, db, "seed", "--id", "permit-4", "--expires-in", "240h")

	out := mustRun(t, db, "renew", "--permit", "permit-4", "--abort")
	assert.Regexp(t, `abort permit-renewal-permit-4-\d+: succeeded`, out)

	out = mustRun(t, db, "outbox", "list")
	assert.Contains(t, out, "permit.renewal_reverted")
}

func TestRenewRejectsUnknownPermit(t *testing.T) {
	out, err := run(t, newDB(t), "renew", "--permit", "missing")
	require.Error(t, err)
	assert.Contains(t, out, "failed")
}

func TestSagaDetail(t *testing.T) {
	db := newDB(t)
	mustRun(t, db, "seed", "--id", "permit-5", "--expires-in", "240h")
	_, err := run(t, db, "renew", "--permit", "permit-5", "--fee", "100", "--fail-payment", "1")
	require.Error(t, err)

	list := mustRun(t, db, "sagas")
	id := ""
	for _, field := range strings.Fields(list) {
		if strings.HasPrefix(field, "permit-renewal-permit-5-") {
			id = field
		}
	}
	require.NotEmpty(t, id, list)

	out := mustRun(t, db, "sagas", "--id", id)
	assert.Contains(t, out, "submit_renewal")
	assert.Contains(t, out, "undo_finished")
	assert.Contains(t, out, "> 3. process_fee")

	out = mustRun(t, db, "sagas", "--id", id, "--dot")
	assert.Contains(t, out, "strict digraph")
	assert.Contains(t, out, "undo_submit_renewal")
}

func TestInvalidLogFormat(t *testing.T) {
	_, err := run(t, newDB(t), "--log-format", "xml", "sagas")
	assert.Error(t, err)
}
