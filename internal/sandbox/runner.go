package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Options configures the runner for all sandboxes.
type Options struct {
	Image            string
	DockerHost       string
	ContainerTimeout time.Duration // hard run limit
	IdleTimeout      time.Duration // terminate after last output unless new input arrives
	MemoryLimitMB    int64
	CPUQuota         int64
	PidsLimit        int64
	EnvAllowList     []string
}

// Payload is the single JSON object written to the agent's stdin.
// Secrets travel here and only here.
type Payload struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"session_id,omitempty"`
	Folder          string            `json:"folder"`
	ChatID          string            `json:"chat_id"`
	IsMain          bool              `json:"is_main"`
	IsScheduledTask bool              `json:"is_scheduled_task,omitempty"`
	AssistantName   string            `json:"assistant_name,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
}

// RunSpec describes one sandbox run.
type RunSpec struct {
	Folder  string
	Payload Payload
	Mounts  []Mount       // group folder, ipc folder, validated extras
	Timeout time.Duration // overrides Options.ContainerTimeout when > 0
}

// Hooks are the runner's callbacks into the caller.
type Hooks struct {
	// OnOutput receives each success record's result, internal spans removed.
	OnOutput func(text string)
	// OnSession receives the agent's session ID the first time it appears.
	OnSession func(sessionID string)
	// OnAgentError receives a structured error record; result carries any
	// human-readable text destined for the chat (may be empty).
	OnAgentError func(errMsg, result string)
}

// RunResult summarizes a finished sandbox process.
type RunResult struct {
	ExitCode  int64
	TimedOut  bool
	OutputErr error // non-nil when framing was violated
}

// Failed reports whether the run counts as a failure for retry purposes.
func (r RunResult) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut || r.OutputErr != nil
}

// Runner creates and supervises sandbox containers through the Docker API.
type Runner struct {
	cli  *client.Client
	opts Options
}

// NewRunner connects to the Docker daemon.
func NewRunner(opts Options) (*Runner, error) {
	clientOpts := []client.Opt{client.WithAPIVersionNegotiation()}
	if opts.DockerHost != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.DockerHost))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runner{cli: cli, opts: opts}, nil
}

// Ping checks that the Docker daemon is reachable.
func (r *Runner) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close releases the Docker client.
func (r *Runner) Close() error { return r.cli.Close() }

// Process is one live sandbox container.
type Process struct {
	ContainerName string

	runner      *Runner
	containerID string
	hardTimeout time.Duration
	idleTimeout time.Duration

	touch chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	result    RunResult
	stopped   bool
	outputErr error
}

// Start creates, attaches and starts a sandbox container, writes the stdin
// payload, and begins supervising output and timeouts. The returned Process
// stays alive until the container exits.
func (r *Runner) Start(ctx context.Context, spec RunSpec, hooks Hooks) (*Process, error) {
	name, err := ContainerName(spec.Folder)
	if err != nil {
		return nil, err
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        r.opts.Image,
		Env:          FilterEnv(r.opts.EnvAllowList),
		Labels:       map[string]string{"nanoclaw.folder": spec.Folder},
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	pids := r.opts.PidsLimit
	hostCfg := &container.HostConfig{
		Mounts:         mounts,
		NetworkMode:    "none",
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=256m"},
		Resources: container.Resources{
			Memory:    r.opts.MemoryLimitMB * 1024 * 1024,
			CPUQuota:  r.opts.CPUQuota,
			PidsLimit: &pids,
		},
	}

	created, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", name, err)
	}

	attach, err := r.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.removeContainer(created.ID)
		return nil, fmt.Errorf("attach container %s: %w", name, err)
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		r.removeContainer(created.ID)
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}

	hard := r.opts.ContainerTimeout
	if spec.Timeout > 0 {
		hard = spec.Timeout
	}

	p := &Process{
		ContainerName: name,
		runner:        r,
		containerID:   created.ID,
		hardTimeout:   hard,
		idleTimeout:   r.opts.IdleTimeout,
		touch:         make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	go p.writeStdin(attach, spec.Payload)
	go p.readOutput(attach.Reader, hooks)
	go p.supervise(ctx)
	go p.waitExit(attach)

	slog.Info("sandbox started", "folder", spec.Folder, "container", name)
	return p, nil
}

// writeStdin streams the initial JSON payload, then half-closes stdin. The
// agent receives follow-ups via filesystem IPC from here on.
func (p *Process) writeStdin(attach types.HijackedResponse, payload Payload) {
	defer func() { _ = attach.CloseWrite() }()

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal sandbox payload", "container", p.ContainerName, "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := attach.Conn.Write(data); err != nil {
		slog.Warn("write sandbox stdin failed", "container", p.ContainerName, "error", err)
	}
}

// readOutput demuxes the attached stream and parses framed records.
func (p *Process) readOutput(attached io.Reader, hooks Hooks) {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, attached)
		pw.CloseWithError(err)
	}()

	sessionSeen := false
	err := ScanOutput(pr, func(rec OutputRecord) {
		p.Touch()

		if rec.NewSessionID != "" && !sessionSeen {
			sessionSeen = true
			if hooks.OnSession != nil {
				hooks.OnSession(rec.NewSessionID)
			}
		}

		switch rec.Status {
		case "success":
			// Null result is a session-update marker only.
			if rec.Result != nil && hooks.OnOutput != nil {
				if text := StripInternal(*rec.Result); text != "" {
					hooks.OnOutput(text)
				}
			}
		case "error":
			result := ""
			if rec.Result != nil {
				result = StripInternal(*rec.Result)
			}
			p.mu.Lock()
			p.outputErr = fmt.Errorf("agent error: %s", rec.Error)
			p.mu.Unlock()
			if hooks.OnAgentError != nil {
				hooks.OnAgentError(rec.Error, result)
			}
		}
	})
	if err != nil {
		p.mu.Lock()
		p.outputErr = err
		p.mu.Unlock()
		slog.Warn("sandbox output framing violated", "container", p.ContainerName, "error", err)
		p.stop(true)
	}
}

// supervise enforces the hard and idle timeouts.
func (p *Process) supervise(ctx context.Context) {
	hard := time.NewTimer(p.hardTimeout)
	defer hard.Stop()

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			p.stop(true)
			return
		case <-p.touch:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.idleTimeout)
		case <-hard.C:
			slog.Warn("sandbox hard timeout", "container", p.ContainerName, "limit", p.hardTimeout)
			p.markTimedOut()
			p.stop(true)
			return
		case <-idle.C:
			slog.Info("sandbox idle timeout", "container", p.ContainerName, "limit", p.idleTimeout)
			p.stop(false)
			return
		}
	}
}

// waitExit blocks until the container stops, records the exit code and cleans up.
func (p *Process) waitExit(attach types.HijackedResponse) {
	defer close(p.done)
	defer attach.Close()
	defer p.runner.removeContainer(p.containerID)

	statusCh, errCh := p.runner.cli.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		p.mu.Lock()
		p.result.ExitCode = -1
		if p.result.OutputErr == nil {
			p.result.OutputErr = err
		}
		p.mu.Unlock()
	case status := <-statusCh:
		p.mu.Lock()
		p.result.ExitCode = status.StatusCode
		p.mu.Unlock()
	}
}

// Touch resets the idle timer; called on every output record and whenever the
// orchestrator pipes new IPC input into this folder.
func (p *Process) Touch() {
	select {
	case p.touch <- struct{}{}:
	default:
	}
}

// Done is closed when the container has exited and been removed.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks for exit and returns the final result.
func (p *Process) Wait() RunResult {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.result
	if res.OutputErr == nil {
		res.OutputErr = p.outputErr
	}
	return res
}

// Kill forcibly terminates the container.
func (p *Process) Kill() {
	p.stop(true)
}

func (p *Process) markTimedOut() {
	p.mu.Lock()
	p.result.TimedOut = true
	p.mu.Unlock()
}

// stop terminates the container; force skips the graceful stop grace period.
func (p *Process) stop(force bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if force {
		if err := p.runner.cli.ContainerKill(ctx, p.containerID, "SIGKILL"); err != nil {
			slog.Debug("container kill failed", "container", p.ContainerName, "error", err)
		}
		return
	}

	grace := 5
	if err := p.runner.cli.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &grace}); err != nil {
		slog.Debug("container stop failed", "container", p.ContainerName, "error", err)
	}
}

func (r *Runner) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		slog.Debug("container remove failed", "id", id, "error", err)
	}
}
