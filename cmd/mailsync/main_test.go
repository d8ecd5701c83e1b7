package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/nhle/mailsync/internal/model"
	appsync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/tests/testutil"
)

type cliHarness struct {
	t      *testing.T
	config string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "data_dir: " + filepath.Join(dir, "data") + "\n" +
		"log_level: error\n" +
		"concurrency: 1\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return &cliHarness{t: t, config: cfgPath}
}

func (h *cliHarness) run(args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	a := newApp()
	a.Writer = &out
	a.ErrWriter = &errOut
	a.ExitErrHandler = func(*cli.Context, error) {}
	err := a.Run(append([]string{"mailsync", "--config", h.config}, args...))
	return out.String(), err
}

func TestCLIAddPollSearchRemove(t *testing.T) {
	h := newCLIHarness(t)
	path := testutil.WriteMbox(t,
		testutil.MboxMessage("one@x", "budget review"),
		testutil.MboxMessage("two@x", "offsite plans"),
	)

	out, err := h.run("add", "--label", "work", path)
	require.NoError(t, err)
	assert.Contains(t, out, "added store 1: mbox://"+path)

	out, err = h.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "mbox://"+path)
	assert.Contains(t, out, "0 messages")
	assert.Contains(t, out, "labels=work")

	out, err = h.run("poll", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "2 new messages from 1 store")

	out, err = h.run("poll", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "0 added")

	out, err = h.run("search", "offsite")
	require.NoError(t, err)
	assert.Contains(t, out, "offsite plans")
	assert.NotContains(t, out, "budget review")

	out, err = h.run("rebuild", "--store", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "rebuilt store 1: 0 added")

	out, err = h.run("remove", "--purge", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "removed store 1 and 2 messages")

	out, err = h.run("list")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCLIRemoveUnknownStore(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run("remove", "7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store 7")

	_, err = h.run("remove", "seven")
	require.Error(t, err)
}

func TestCLIPollReportsFailedStores(t *testing.T) {
	h := newCLIHarness(t)
	missing := filepath.Join(t.TempDir(), "gone")

	_, err := h.run("add", missing)
	require.NoError(t, err)

	out, err := h.run("poll", "--quiet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 store(s) failed")
	assert.Contains(t, out, "broken")
}

func TestPollTargets(t *testing.T) {
	statuses := []appsync.StoreStatus{
		{Record: model.StoreRecord{ID: 1, Usual: true}},
		{Record: model.StoreRecord{ID: 2, Usual: false}},
		{Record: model.StoreRecord{ID: 3, Usual: true}},
	}

	ids := func(ss []appsync.StoreStatus) []int64 {
		var out []int64
		for _, s := range ss {
			out = append(out, s.Record.ID)
		}
		return out
	}

	assert.Equal(t, []int64{1, 3}, ids(pollTargets(statuses, nil, false)))
	assert.Equal(t, []int64{1, 2, 3}, ids(pollTargets(statuses, nil, true)))
	assert.Equal(t, []int64{2}, ids(pollTargets(statuses, []int64{2}, false)))
	assert.Empty(t, pollTargets(statuses, []int64{9}, false))
}
