package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medislot/medsync/internal/client"
	"github.com/medislot/medsync/internal/config"
	"github.com/medislot/medsync/internal/localstore"
	"github.com/medislot/medsync/internal/network"
	"github.com/medislot/medsync/internal/remote/memory"
)

type fixture struct {
	opts   *RootOptions
	remote *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.LocalStore = localstore.Config{Type: localstore.TypeSQLite, Path: filepath.Join(t.TempDir(), "queue.db")}
	cfg.Network.RetryDelay = time.Millisecond
	cfg.Sync.Interval = 0
	off := false
	cfg.Sync.AutoSync = &off

	remote := memory.New(0)
	return &fixture{
		remote: remote,
		opts: &RootOptions{
			Config: cfg,
			Client: client.Options{
				Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
				Remote:         remote,
				Signals:        []network.Signal{},
				DisableMetrics: true,
			},
		},
	}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(f.opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "medsync", cmd.Use)

	for _, name := range []string{"run", "status", "pending", "dead-letters", "sync", "put", "get", "delete"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "status", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestPut_OfflineQueuesThenSync(t *testing.T) {
	f := newFixture(t)
	f.remote.SetReachable(false)

	out, err := f.run(t, "put", "appointments", "a1", "--data", `{"slot":"09:00"}`, "--format", "json")
	require.NoError(t, err)
	var w writeView
	require.NoError(t, json.Unmarshal([]byte(out), &w))
	assert.Equal(t, writeView{Collection: "appointments", ID: "a1", Queued: true, Pending: 1}, w)

	out, err = f.run(t, "pending", "--format", "json")
	require.NoError(t, err)
	var ops []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "add", ops[0]["operationType"])
	assert.Equal(t, "a1", ops[0]["documentId"])

	_, err = f.run(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	f.remote.SetReachable(true)
	out, err = f.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "remaining:")
	assert.Equal(t, 1, f.remote.Count("appointments"))

	out, err = f.run(t, "get", "appointments", "a1")
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "09:00", doc["slot"])
}

func TestPut_OnlineWithoutID(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "put", "patients", "--data", `{"name":"Ada"}`, "--format", "json")
	require.NoError(t, err)
	var w writeView
	require.NoError(t, json.Unmarshal([]byte(out), &w))
	assert.False(t, w.Queued)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, 1, f.remote.Count("patients"))
}

func TestPut_InvalidArguments(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "put", "patients", "p1", "--data", "not json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = f.run(t, "put", "patients", "--merge", "--data", `{}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = f.run(t, "put", "bad/collection", "p1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "get", "patients", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDeadLetters_RequeueAndPurge(t *testing.T) {
	f := newFixture(t)
	f.remote.SetReachable(false)
	_, err := f.run(t, "put", "appointments", "ghost", "--merge", "--data", `{"status":"cancelled"}`)
	require.NoError(t, err)

	f.remote.SetReachable(true)
	out, err := f.run(t, "sync", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var res resultView
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.DeadLettered)

	out, err = f.run(t, "dead-letters", "--format", "json")
	require.NoError(t, err)
	var dead []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &dead))
	require.Len(t, dead, 1)
	op := dead[0]["operation"].(map[string]interface{})
	id := op["id"].(string)

	_, err = f.run(t, "dead-letters", "--requeue", id)
	require.NoError(t, err)
	out, err = f.run(t, "pending")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	_, err = f.run(t, "pending", "--cancel", id)
	require.NoError(t, err)

	_, err = f.run(t, "dead-letters", "--requeue", "x", "--purge")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = f.run(t, "dead-letters", "--purge", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestStatus_JSON(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "status", "--format", "json")
	require.NoError(t, err)
	var v statusView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "online", v.Network)
	assert.Equal(t, 0, v.Pending)
	assert.True(t, v.Durable)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(io.EOF))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "x", io.EOF)))
	assert.Equal(t, "x: EOF", WrapExitError(ExitCommandError, "x", io.EOF).Error())
}
