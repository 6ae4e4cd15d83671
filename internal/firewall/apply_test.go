package firewall

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/timewall/internal/logging"
)

func testBundles() []RenderedBundle {
	return []RenderedBundle{
		{Name: ChainInitBundle, Commands: [][]string{
			{"-P", "INPUT", "DROP"},
			{"-t", "nat", "-F", "PREROUTING"},
		}},
		{Name: "web", Commands: [][]string{
			{"-A", "INPUT", "-p", "tcp", "--dport", "80", "-j", "ACCEPT"},
		}},
	}
}

const savedTables = "*filter\n:INPUT ACCEPT [0:0]\nCOMMIT\n"

// restoresFile matches a restore invocation whose file holds want.
func restoresFile(want string) any {
	return mock.MatchedBy(func(path string) bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == want
	})
}

func TestExecApplier(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Output", "iptables-save").Return([]byte(savedTables), nil).Once()
	runner.On("Run", "iptables", "-P", "INPUT", "DROP").Return(nil).Once()
	runner.On("Run", "iptables", "-t", "nat", "-F", "PREROUTING").Return(nil).Once()
	runner.On("Run", "iptables", "-A", "INPUT", "-p", "tcp", "--dport", "80", "-j", "ACCEPT").Return(nil).Once()

	a := NewExecApplier("")
	a.Runner = runner
	a.Logger = logging.Discard()

	res, err := a.Apply(context.Background(), testBundles())
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Bundles: 2, Commands: 3}, res)
	runner.AssertExpectations(t)
}

func TestExecApplierStopsAtFailure(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Run", "iptables", "-P", "INPUT", "DROP").Return(errors.New("permission denied")).Once()

	a := NewExecApplier("iptables")
	a.Runner = runner
	a.Rollback = false
	a.Logger = logging.Discard()

	res, err := a.Apply(context.Background(), testBundles())
	require.Error(t, err)

	var applyErr *ApplyError
	require.True(t, errors.As(err, &applyErr))
	assert.Equal(t, ChainInitBundle, applyErr.Bundle)
	assert.Equal(t, []string{"-P", "INPUT", "DROP"}, applyErr.Command)
	assert.Equal(t, 0, res.Commands)
	runner.AssertNumberOfCalls(t, "Run", 1)
}

func TestExecApplierRetriesLockContention(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Output", "iptables-save").Return([]byte(savedTables), nil).Once()
	locked := errors.New("Another app is currently holding the xtables lock")
	runner.On("Run", "iptables", "-F", "INPUT").Return(locked).Twice()
	runner.On("Run", "iptables", "-F", "INPUT").Return(nil).Once()

	a := NewExecApplier("iptables")
	a.Runner = runner
	a.Logger = logging.Discard()
	a.Retry.InitialDelay = time.Millisecond
	a.Retry.MaxDelay = time.Millisecond

	res, err := a.Apply(context.Background(), []RenderedBundle{{Name: "init", Commands: [][]string{{"-F", "INPUT"}}}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Commands)
	runner.AssertNumberOfCalls(t, "Run", 3)
}

func TestExecApplierRollsBackOnFailure(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Output", "iptables-save").Return([]byte(savedTables), nil).Once()
	runner.On("Run", "iptables", "-P", "INPUT", "DROP").Return(nil).Once()
	runner.On("Run", "iptables", "-t", "nat", "-F", "PREROUTING").Return(nil).Once()
	runner.On("Run", "iptables", "-A", "INPUT", "-p", "tcp", "--dport", "80", "-j", "ACCEPT").
		Return(errors.New("bad argument")).Once()
	runner.On("Run", "iptables-restore", restoresFile(savedTables)).Return(nil).Once()

	a := NewExecApplier("iptables")
	a.Runner = runner
	a.Logger = logging.Discard()

	res, err := a.Apply(context.Background(), testBundles())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolled back")

	var applyErr *ApplyError
	require.True(t, errors.As(err, &applyErr))
	assert.Equal(t, "web", applyErr.Bundle)
	assert.True(t, res.RolledBack)
	assert.Equal(t, 2, res.Commands)
	runner.AssertExpectations(t)
}

func TestExecApplierReportsFailedRollback(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Output", "iptables-save").Return([]byte(savedTables), nil).Once()
	runner.On("Run", "iptables", "-P", "INPUT", "DROP").Return(errors.New("permission denied")).Once()
	runner.On("Run", "iptables-restore", mock.Anything).Return(errors.New("restore failed")).Once()

	a := NewExecApplier("iptables")
	a.Runner = runner
	a.Logger = logging.Discard()

	res, err := a.Apply(context.Background(), testBundles())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollback also failed")
	assert.False(t, res.RolledBack)
	runner.AssertExpectations(t)
}

func TestExecApplierCheckpointFailureAppliesNothing(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Output", "iptables-save").Return(nil, errors.New("not found")).Once()

	a := NewExecApplier("iptables")
	a.Runner = runner
	a.Logger = logging.Discard()

	_, err := a.Apply(context.Background(), testBundles())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint")
	runner.AssertNumberOfCalls(t, "Run", 0)
}

func TestRollbackManagerWithoutCheckpoint(t *testing.T) {
	rm := NewRollbackManager(new(MockCommandRunner), "iptables-legacy")
	assert.Equal(t, "iptables-legacy-save", rm.saveBinary)
	assert.Equal(t, "iptables-legacy-restore", rm.restoreBinary)
	assert.EqualError(t, rm.Rollback(), "no checkpoint saved")
}

type mockIPTables struct {
	mock.Mock
}

func (m *mockIPTables) Append(table, chain string, rulespec ...string) error {
	return m.Called(table, chain, rulespec).Error(0)
}

func (m *mockIPTables) ClearChain(table, chain string) error {
	return m.Called(table, chain).Error(0)
}

func (m *mockIPTables) ChangePolicy(table, chain, target string) error {
	return m.Called(table, chain, target).Error(0)
}

func TestIPTablesApplier(t *testing.T) {
	ipt := new(mockIPTables)
	ipt.On("ChangePolicy", "filter", "INPUT", "DROP").Return(nil).Once()
	ipt.On("ClearChain", "nat", "PREROUTING").Return(nil).Once()
	ipt.On("Append", "filter", "INPUT", []string{"-p", "tcp", "--dport", "80", "-j", "ACCEPT"}).Return(nil).Once()

	a := NewIPTablesApplierWith(ipt)
	a.logger = logging.Discard()

	res, err := a.Apply(context.Background(), testBundles())
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Bundles: 2, Commands: 3}, res)
	ipt.AssertExpectations(t)
}

func TestIPTablesApplierRollsBackOnFailure(t *testing.T) {
	ipt := new(mockIPTables)
	ipt.On("ChangePolicy", "filter", "INPUT", "DROP").Return(nil).Once()
	ipt.On("ClearChain", "nat", "PREROUTING").Return(errors.New("chain busy")).Once()

	runner := new(MockCommandRunner)
	runner.On("Output", "iptables-save").Return([]byte(savedTables), nil).Once()
	runner.On("Run", "iptables-restore", restoresFile(savedTables)).Return(nil).Once()

	a := NewIPTablesApplierWith(ipt)
	a.logger = logging.Discard()
	a.Rollback = NewRollbackManager(runner, "iptables")

	res, err := a.Apply(context.Background(), testBundles())
	require.Error(t, err)
	assert.True(t, res.RolledBack)
	assert.Equal(t, 1, res.Commands)
	ipt.AssertExpectations(t)
	runner.AssertExpectations(t)
}

func TestSplitDirective(t *testing.T) {
	d, err := SplitDirective([]string{"-t", "nat", "-A", "PREROUTING", "-p", "tcp"})
	require.NoError(t, err)
	assert.Equal(t, Directive{Table: "nat", Op: "-A", Chain: "PREROUTING", Args: []string{"-p", "tcp"}}, d)

	d, err = SplitDirective([]string{"-F", "INPUT"})
	require.NoError(t, err)
	assert.Equal(t, "filter", d.Table)
	assert.Empty(t, d.Args)

	for _, bad := range [][]string{nil, {"-t", "nat"}, {"-D", "INPUT", "1"}, {"-A"}} {
		_, err := SplitDirective(bad)
		assert.Error(t, err, "%q", bad)
	}
}
