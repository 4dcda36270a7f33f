package workdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRead(t *testing.T) {
	base := t.TempDir()

	dir, err := Create(base, "vm-1", Record{Resource: "builders", Driver: "local", Extra: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "vm-1"), dir)

	rec, err := Read(dir)
	require.NoError(t, err)
	assert.Equal(t, "vm-1", rec.ID)
	assert.Equal(t, "builders", rec.Resource)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, "v", rec.Extra["k"])

	require.NoError(t, Remove(dir))
	_, err = os.Stat(dir)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	require.NoError(t, Remove(dir))
}

func TestCreateRejectsPathIDs(t *testing.T) {
	for _, id := range []string{"", "../escape", "a/b"} {
		_, err := Create(t.TempDir(), id, Record{})
		assert.Error(t, err, "id %q", id)
	}
}

func TestReadNoRecord(t *testing.T) {
	_, err := Read(t.TempDir())
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestSweep(t *testing.T) {
	base := t.TempDir()
	host, _ := os.Hostname()

	dead, err := Create(base, "dead", Record{PID: 4242, Hostname: host})
	require.NoError(t, err)
	live, err := Create(base, "live", Record{PID: 4343, Hostname: host})
	require.NoError(t, err)
	mine, err := Create(base, "mine", Record{})
	require.NoError(t, err)
	remote, err := Create(base, "remote", Record{PID: 4242, Hostname: host + "-elsewhere"})
	require.NoError(t, err)
	stray := filepath.Join(base, "stray")
	require.NoError(t, os.Mkdir(stray, 0755))

	var cleaned []string
	orphans, err := Sweep(context.Background(), base, SweepOptions{
		alive: func(pid int) bool { return pid == 4343 },
		Cleanup: func(ctx context.Context, o Orphan) error {
			cleaned = append(cleaned, o.Record.ID)
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, dead, orphans[0].Dir)
	assert.Equal(t, []string{"dead"}, cleaned)

	assert.NoDirExists(t, dead)
	for _, d := range []string{live, mine, remote, stray} {
		assert.DirExists(t, d)
	}
}

func TestSweepDryRunAndCleanupFailure(t *testing.T) {
	base := t.TempDir()
	host, _ := os.Hostname()
	dead, err := Create(base, "dead", Record{PID: 4242, Hostname: host})
	require.NoError(t, err)
	never := func(int) bool { return false }

	orphans, err := Sweep(context.Background(), base, SweepOptions{DryRun: true, alive: never})
	require.NoError(t, err)
	assert.Len(t, orphans, 1)
	assert.DirExists(t, dead)

	_, err = Sweep(context.Background(), base, SweepOptions{
		alive:   never,
		Cleanup: func(context.Context, Orphan) error { return errors.New("container busy") },
	})
	require.ErrorContains(t, err, "container busy")
	assert.DirExists(t, dead)
}

func TestSweepMissingBase(t *testing.T) {
	orphans, err := Sweep(context.Background(), filepath.Join(t.TempDir(), "none"), SweepOptions{})
	require.NoError(t, err)
	assert.Empty(t, orphans)
}
