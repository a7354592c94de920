package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
)

const (
	ConnectionFileFormat = "connection-%s-*.json" // "*" is a placeholder for random string

	connectionFilePlaceholder = "{connection_file}"
)

// KernelProcess is a running local kernel.
type KernelProcess interface {
	ConnectionInfo() *jupyter.ConnectionInfo

	// Done is closed when the kernel exits.
	Done() <-chan struct{}

	// Shutdown interrupts the kernel and kills it if it has not exited when ctx is done.
	Shutdown(ctx context.Context) error
}

// KernelLauncher starts local kernel processes.
type KernelLauncher interface {
	Launch(ctx context.Context, kernelID string, spec *KernelSpec) (KernelProcess, error)
}

// ProcessLauncher launches kernels as child processes from their kernelspec argv.
type ProcessLauncher struct {
	// ConnectionFileDir is the directory in which connection files are written.
	// The empty string selects os.TempDir().
	ConnectionFileDir string

	// Env is appended to the environment of every kernel.
	Env []string

	log logger.Logger
}

func NewProcessLauncher(connectionFileDir string, env []string) *ProcessLauncher {
	launcher := &ProcessLauncher{
		ConnectionFileDir: connectionFileDir,
		Env:               env,
	}
	config.InitLogger(&launcher.log, launcher)

	return launcher
}

func (l *ProcessLauncher) Launch(ctx context.Context, kernelID string, spec *KernelSpec) (KernelProcess, error) {
	if len(spec.Spec.Argv) == 0 {
		return nil, errors.Errorf("kernelspec \"%s\" has an empty argv", spec.Name)
	}

	connInfo, err := prepareConnectionInfo(spec.Name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve kernel ports")
	}

	path, err := l.writeConnectionFile(kernelID, connInfo)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write connection file")
	}

	argv := make([]string, len(spec.Spec.Argv))
	for i, arg := range spec.Spec.Argv {
		argv[i] = strings.ReplaceAll(arg, connectionFilePlaceholder, path)
	}

	// The process outlives the launch request, so it is bound to its own context.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for key, value := range spec.Spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}
	cmd.Env = append(cmd.Env, l.Env...)

	l.log.Debug("Launching kernel %s: \"%s\"", kernelID, strings.Join(argv, " "))
	if err := cmd.Start(); err != nil {
		cancel()
		_ = os.Remove(path)
		return nil, errors.Wrapf(err, "failed to start kernel \"%s\"", spec.Name)
	}

	proc := &kernelProcess{
		id:             kernelID,
		cmd:            cmd,
		cancel:         cancel,
		connInfo:       connInfo,
		connectionFile: path,
		done:           make(chan struct{}),
		log:            l.log,
	}
	go proc.wait()

	return proc, nil
}

func (l *ProcessLauncher) writeConnectionFile(kernelID string, info *jupyter.ConnectionInfo) (string, error) {
	jsonContent, err := json.Marshal(info)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(l.ConnectionFileDir, fmt.Sprintf(ConnectionFileFormat, kernelID))
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Write(jsonContent); err != nil {
		return "", err
	}

	l.log.Debug("Wrote connection file \"%s\" for kernel %s", f.Name(), kernelID)
	return f.Name(), nil
}

// prepareConnectionInfo reserves five free loopback ports and generates a signing key.
func prepareConnectionInfo(kernelName string) (*jupyter.ConnectionInfo, error) {
	connectionInfo := &jupyter.ConnectionInfo{
		IP:              "127.0.0.1",
		Transport:       "tcp",
		SignatureScheme: messaging.JupyterSignatureScheme,
		Key:             uuid.NewString(),
		KernelName:      kernelName,
	}

	socks := make([]net.Listener, 5)
	for i := 0; i < len(socks); i++ {
		conn, err := net.Listen("tcp", fmt.Sprintf("%s:0", connectionInfo.IP))
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		socks[i] = conn
	}

	connectionInfo.ControlPort = socks[0].Addr().(*net.TCPAddr).Port
	connectionInfo.ShellPort = socks[1].Addr().(*net.TCPAddr).Port
	connectionInfo.StdinPort = socks[2].Addr().(*net.TCPAddr).Port
	connectionInfo.IOPubPort = socks[3].Addr().(*net.TCPAddr).Port
	connectionInfo.HBPort = socks[4].Addr().(*net.TCPAddr).Port
	return connectionInfo, nil
}

type kernelProcess struct {
	id             string
	cmd            *exec.Cmd
	cancel         context.CancelFunc
	connInfo       *jupyter.ConnectionInfo
	connectionFile string
	done           chan struct{}
	shutdownOnce   sync.Once

	log logger.Logger
}

func (p *kernelProcess) ConnectionInfo() *jupyter.ConnectionInfo {
	return p.connInfo
}

func (p *kernelProcess) Done() <-chan struct{} {
	return p.done
}

func (p *kernelProcess) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if sigErr := p.cmd.Process.Signal(syscall.SIGINT); sigErr != nil {
			p.log.Debug("Failed to interrupt kernel %s: %v", p.id, sigErr)
		}

		select {
		case <-p.done:
		case <-ctx.Done():
			p.log.Warn("Kernel %s did not exit in time, killing it", p.id)
			p.cancel()
			<-p.done
			err = ctx.Err()
		}
	})

	return err
}

func (p *kernelProcess) wait() {
	if err := p.cmd.Wait(); err != nil {
		p.log.Debug("Kernel %s exited with error: %v", p.id, err)
	} else {
		p.log.Debug("Kernel %s exited", p.id)
	}

	p.cancel()
	_ = os.Remove(p.connectionFile)
	close(p.done)
}
