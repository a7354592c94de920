package fake_kernel

import (
	"context"
	"sync"

	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/jupyter/client"
)

// Launcher starts FakeKernels in place of kernel processes.
type Launcher struct {
	// LaunchErr, if set, is returned by every Launch.
	LaunchErr error

	// Results is copied into every kernel launched.
	Results map[string]string

	mu        sync.Mutex
	processes []*Process
}

func NewLauncher() *Launcher {
	return &Launcher{Results: make(map[string]string)}
}

func (l *Launcher) Launch(_ context.Context, kernelID string, _ *client.KernelSpec) (client.KernelProcess, error) {
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}

	connInfo, err := NewConnectionInfo()
	if err != nil {
		return nil, err
	}

	kernel := NewFakeKernel(kernelID, connInfo)
	for code, result := range l.Results {
		kernel.Results[code] = result
	}

	if err := kernel.Start(); err != nil {
		return nil, err
	}

	proc := &Process{kernel: kernel, done: make(chan struct{})}

	l.mu.Lock()
	l.processes = append(l.processes, proc)
	l.mu.Unlock()

	return proc, nil
}

// Processes returns every kernel launched so far, oldest first.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()

	processes := make([]*Process, len(l.processes))
	copy(processes, l.processes)
	return processes
}

// Process is the client.KernelProcess of a FakeKernel.
type Process struct {
	kernel *FakeKernel
	done   chan struct{}
	once   sync.Once
}

func (p *Process) Kernel() *FakeKernel {
	return p.kernel
}

func (p *Process) ConnectionInfo() *jupyter.ConnectionInfo {
	return p.kernel.ConnectionInfo
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Shutdown(_ context.Context) error {
	p.Kill()
	return nil
}

// Kill stops the kernel as if its process had crashed.
func (p *Process) Kill() {
	p.once.Do(func() {
		p.kernel.Close()
		close(p.done)
	})
}
