package transport

import (
	"io"
	"os/exec"
	"runtime"

	"go.uber.org/multierr"

	"p4rpc/rpcerr"
)

// rshProcess is a local server started through the shell, spoken to over
// its stdin and stdout.
type rshProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func startRsh(command string) (*rshProcess, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd.exe", "/c", command)
	} else {
		cmd = exec.Command("/bin/sh", "-c", command)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Connection, "rsh", err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Connection, "rsh", err, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, rpcerr.Wrap(rpcerr.Connection, "rsh", err, "unable to start "+command)
	}
	return &rshProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *rshProcess) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *rshProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes both pipe ends and reaps the process. Closing stdin is the
// server's signal to exit.
func (p *rshProcess) Close() error {
	err := p.stdin.Close()
	err = multierr.Append(err, p.cmd.Wait())
	return err
}
