package firewall

import (
	"github.com/stretchr/testify/mock"
)

// MockCommandRunner records filter tool invocations. Expectations take the
// binary followed by each argument, e.g.
// On("Run", "iptables", "-F", "INPUT") or On("Output", "iptables-save").
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Run(name string, args ...string) error {
	return m.Called(invocation(name, args)...).Error(0)
}

func (m *MockCommandRunner) Output(name string, args ...string) ([]byte, error) {
	result := m.Called(invocation(name, args)...)
	out, _ := result.Get(0).([]byte)
	return out, result.Error(1)
}

func invocation(name string, args []string) []any {
	call := make([]any, 0, len(args)+1)
	call = append(call, name)
	for _, a := range args {
		call = append(call, a)
	}
	return call
}
