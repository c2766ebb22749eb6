package simulator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/colmto/colmto/cse"
	"github.com/sirupsen/logrus"
)

// request is one line sent to the simulator process.
type request struct {
	Op       string `json:"op"`
	Scenario string `json:"scenario,omitempty"`
	Seed     int64  `json:"seed,omitempty"`
	Vehicle  string `json:"vehicle,omitempty"`
	Target   string `json:"target,omitempty"`
}

// reply is one line received from the simulator process.
type reply struct {
	OK       bool               `json:"ok"`
	Op       string             `json:"op"`
	Error    string             `json:"error,omitempty"`
	Step     int                `json:"step,omitempty"`
	Pending  int                `json:"pending,omitempty"`
	Vehicles []cse.VehicleState `json:"vehicles,omitempty"`
}

// Error codes a simulator process may report.
const (
	errCodeUnknownVehicle = "unknown_vehicle"
	errCodeDesync         = "desync"
)

// stopTimeout bounds how long Stop waits for a clean exit before killing.
const stopTimeout = 5 * time.Second

// Process drives an external simulator speaking one JSON object per line on
// stdin/stdout. Every request gets exactly one reply echoing its op.
//
// A reader goroutine owns stdout and hands each line to call. It waits for
// the process only after stdout reached EOF, so a reply written just before
// exiting is still delivered.
type Process struct {
	binary string
	args   []string

	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan []byte
	quit  chan struct{} // closed by Stop; unread lines are dropped
	done  chan struct{} // closed once the process has been waited for

	mu      sync.Mutex
	readErr error
	waitErr error
	dead    bool
}

// NewProcess creates an adapter that launches binary with args on Start.
func NewProcess(binary string, args ...string) *Process {
	return &Process{binary: binary, args: args}
}

// Start launches the process and sends the start request.
// The process is killed when ctx is cancelled.
func (p *Process) Start(ctx context.Context, scenario string, seed int64) error {
	cmd := exec.CommandContext(ctx, p.binary, p.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("simulator stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("simulator stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting simulator %s: %w: %w", p.binary, cse.ErrSimulatorTerminated, err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.lines = make(chan []byte)
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	p.dead = false
	p.readErr = nil
	p.waitErr = nil

	go p.read(cmd, stdout)

	logrus.Debugf("simulator process %s started (pid %d)", p.binary, cmd.Process.Pid)
	_, err = p.call(request{Op: "start", Scenario: scenario, Seed: seed})
	return err
}

// read forwards stdout lines until EOF, then waits for the process.
func (p *Process) read(cmd *exec.Cmd, stdout io.Reader) {
	defer close(p.done)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case p.lines <- line:
		case <-p.quit:
		}
	}
	p.mu.Lock()
	p.readErr = scanner.Err()
	p.mu.Unlock()
	close(p.lines)

	err := cmd.Wait()
	p.mu.Lock()
	p.dead = true
	p.waitErr = err
	p.mu.Unlock()
}

// call sends req and waits for its reply.
func (p *Process) call(req request) (*reply, error) {
	if err := p.Alive(); err != nil {
		return nil, err
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Op, err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("writing %s request: %w: %w", req.Op, cse.ErrSimulatorTerminated, err)
	}
	line, ok := <-p.lines
	if !ok {
		p.mu.Lock()
		readErr := p.readErr
		p.mu.Unlock()
		if readErr != nil {
			return nil, fmt.Errorf("reading %s reply: %w: %w", req.Op, cse.ErrSimulatorTerminated, readErr)
		}
		return nil, fmt.Errorf("simulator closed its output during %s: %w", req.Op, cse.ErrSimulatorTerminated)
	}
	var rep reply
	if err := json.Unmarshal(line, &rep); err != nil {
		return nil, fmt.Errorf("malformed %s reply %q: %w", req.Op, line, cse.ErrSimulatorDesync)
	}
	if rep.Op != req.Op {
		return nil, fmt.Errorf("reply for %q while waiting for %q: %w", rep.Op, req.Op, cse.ErrSimulatorDesync)
	}
	if !rep.OK {
		switch rep.Error {
		case errCodeUnknownVehicle:
			return nil, fmt.Errorf("%s %s: %w", req.Op, req.Vehicle, cse.ErrUnknownVehicle)
		case errCodeDesync:
			return nil, fmt.Errorf("%s: %w", req.Op, cse.ErrSimulatorDesync)
		default:
			return nil, fmt.Errorf("%s failed: %s: %w", req.Op, rep.Error, cse.ErrSimulatorDesync)
		}
	}
	return &rep, nil
}

// AdvanceStep asks the process to simulate one step.
func (p *Process) AdvanceStep(_ context.Context) error {
	_, err := p.call(request{Op: "step"})
	return err
}

// QueryVehicleStates asks the process for every vehicle in the network.
func (p *Process) QueryVehicleStates(_ context.Context) ([]cse.VehicleState, error) {
	rep, err := p.call(request{Op: "query"})
	if err != nil {
		return nil, err
	}
	return rep.Vehicles, nil
}

// ApplyLaneDirective sends one lane directive.
func (p *Process) ApplyLaneDirective(_ context.Context, vehicleID string, target cse.LaneTarget) error {
	_, err := p.call(request{Op: "lane", Vehicle: vehicleID, Target: target.String()})
	return err
}

// Pending asks the process how many vehicles are still to be inserted.
func (p *Process) Pending(_ context.Context) (int, error) {
	rep, err := p.call(request{Op: "pending"})
	if err != nil {
		return 0, err
	}
	return rep.Pending, nil
}

// Alive fails once the process has exited.
func (p *Process) Alive() error {
	if p.cmd == nil {
		return fmt.Errorf("simulator process not started: %w", cse.ErrSimulatorTerminated)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		if p.waitErr != nil {
			return fmt.Errorf("simulator process exited: %w: %w", cse.ErrSimulatorTerminated, p.waitErr)
		}
		return fmt.Errorf("simulator process exited: %w", cse.ErrSimulatorTerminated)
	}
	return nil
}

// Stop sends the stop request, closes stdin and waits for the process to exit.
// A process that does not exit is killed.
func (p *Process) Stop() error {
	if p.cmd == nil {
		return nil
	}
	var stopErr error
	if p.Alive() == nil {
		_, stopErr = p.call(request{Op: "stop"})
	}
	_ = p.stdin.Close()
	select {
	case <-p.quit:
	default:
		close(p.quit)
	}
	select {
	case <-p.done:
	case <-time.After(stopTimeout):
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logrus.Warnf("killing simulator process: %v", err)
		}
		<-p.done
	}
	if errors.Is(stopErr, cse.ErrSimulatorTerminated) {
		return nil
	}
	return stopErr
}
