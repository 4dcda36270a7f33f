//go:build unix

package cli

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/vmsandbox/internal/provision/workdir"
)

func TestExec(t *testing.T) {
	cfg, data := writeConfig(t, localResource)

	out, stderr, err := runCLI(t, "", "--config", cfg, "exec", "--", "sh", "-c", "echo hi; echo oops >&2")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)
	assert.Contains(t, stderr, "oops\n")

	entries, err := os.ReadDir(filepath.Join(data, "local", "sandbox"))
	require.NoError(t, err)
	assert.Empty(t, entries, "pools are shut down when the command ends")
}

func TestExecEnvAndStdin(t *testing.T) {
	cfg, _ := writeConfig(t, localResource)

	out, _, err := runCLI(t, "", "--config", cfg, "exec", "-e", "FOO=bar", "--", "sh", "-c", `printf %s "$FOO"`)
	require.NoError(t, err)
	assert.Equal(t, "bar", out)

	out, _, err = runCLI(t, "piped input\n", "--config", cfg, "exec", "-i", "--", "cat")
	require.NoError(t, err)
	assert.Equal(t, "piped input\n", out)
}

func TestExecExitCode(t *testing.T) {
	cfg, _ := writeConfig(t, localResource)

	_, _, err := runCLI(t, "", "--config", cfg, "exec", "--", "sh", "-c", "exit 3")
	var exit *ExitError
	require.True(t, errors.As(err, &exit), "got %v", err)
	assert.Equal(t, 3, exit.Code)
}

func TestExecYAMLAndTimings(t *testing.T) {
	cfg, _ := writeConfig(t, localResource)

	out, stderr, err := runCLI(t, "", "--config", cfg, "-o", "yaml", "exec", "--timings", "--", "echo", "structured")
	require.NoError(t, err)
	assert.Contains(t, stderr, "=== vmsandbox exec ===")

	var got struct {
		Report struct {
			Task     string `yaml:"task"`
			Resource string `yaml:"resource"`
			VMID     string `yaml:"vm_id"`
			Broken   bool   `yaml:"broken"`
		} `yaml:"report"`
		ExitCode int    `yaml:"exit_code"`
		Stdout   string `yaml:"stdout"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "exec", got.Report.Task)
	assert.Equal(t, "sandbox", got.Report.Resource)
	assert.NotEmpty(t, got.Report.VMID)
	assert.False(t, got.Report.Broken)
	assert.Equal(t, 0, got.ExitCode)
	assert.Equal(t, "structured\n", got.Stdout)
}

// deadPID returns the pid of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.ProcessState.Pid()
}

func TestSweep(t *testing.T) {
	cfg, data := writeConfig(t, localResource)
	base := filepath.Join(data, "local", "sandbox")

	orphan, err := workdir.Create(base, "crashed", workdir.Record{Resource: "sandbox", Driver: "local", PID: deadPID(t)})
	require.NoError(t, err)
	live, err := workdir.Create(base, "running", workdir.Record{Resource: "sandbox", Driver: "local"})
	require.NoError(t, err)

	out, _, err := runCLI(t, "", "--config", cfg, "sweep", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "1 orphaned sandbox(es) would remove")
	assert.Contains(t, out, "crashed")
	assert.DirExists(t, orphan)

	out, _, err = runCLI(t, "", "--config", cfg, "-o", "yaml", "sweep", "-r", "sandbox")
	require.NoError(t, err)
	var swept []sweptResource
	require.NoError(t, yaml.Unmarshal([]byte(out), &swept))
	require.Len(t, swept, 1)
	require.Len(t, swept[0].Orphans, 1)
	assert.Equal(t, "crashed", swept[0].Orphans[0].Record.ID)

	assert.NoDirExists(t, orphan)
	assert.DirExists(t, live, "directories of running processes are kept")
}

func TestBench(t *testing.T) {
	cfg, _ := writeConfig(t, localResource)

	out, _, err := runCLI(t, "", "--config", cfg, "bench", "-n", "6", "-c", "3", "--", "true")
	require.NoError(t, err)
	assert.Contains(t, out, "Succeeded:   6")
	assert.Contains(t, out, "PHASE")

	out, _, err = runCLI(t, "", "--config", cfg, "-o", "yaml", "bench", "-n", "8", "-c", "4", "--", "sh", "-c", "exit 1")
	require.NoError(t, err, "non-zero exits are not failures")
	var s benchSummary
	require.NoError(t, yaml.Unmarshal([]byte(out), &s))
	assert.Equal(t, 8, s.NonZeroExit)
	assert.Equal(t, 0, s.Broken)
	require.Len(t, s.Pools, 1)
	assert.LessOrEqual(t, s.Pools[0].Totals.Provisioned, uint64(2), "capacity bounds provisioning")
	assert.Equal(t, uint64(8), s.Pools[0].Totals.Borrowed)
}

func TestBenchRejectsBadCounts(t *testing.T) {
	cfg, _ := writeConfig(t, localResource)
	_, _, err := runCLI(t, "", "--config", cfg, "bench", "-n", "0", "--", "true")
	require.ErrorContains(t, err, "must be at least 1")
}
