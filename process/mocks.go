package process

import (
	"github.com/stretchr/testify/mock"
)

type MockSpawner struct {
	mock.Mock
}

func (m *MockSpawner) Spawn(path string, env map[string]string) (Handle, error) {
	args := m.Called(path, env)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Handle), args.Error(1)
}

type MockHandle struct {
	mock.Mock
}

func (m *MockHandle) Pid() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockHandle) Done() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(chan struct{})
}

func (m *MockHandle) Kill() error {
	args := m.Called()
	return args.Error(0)
}

type MockShutdowner struct {
	mock.Mock
}

func (m *MockShutdowner) Shutdown() error {
	args := m.Called()
	return args.Error(0)
}
