package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/notify"
	"github.com/jdziat/scale-jobs/pkg/workspace"
)

// Work directory layout, relative to an execution's work directory.
const (
	InputDir  = "input_data"
	OutputDir = "output_data"
	// ContainerDir is where the work directory is mounted in containers.
	ContainerDir = "/scale"
)

// ReportKind identifies what a Report announces.
type ReportKind int

const (
	PhaseStarted ReportKind = iota
	PhaseEnded
	Completed
	Failed
	Canceled
)

func (k ReportKind) String() string {
	switch k {
	case PhaseStarted:
		return "phase-started"
	case PhaseEnded:
		return "phase-ended"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

// Report is a status update from a running execution.
type Report struct {
	Kind        ReportKind
	ExecutionID uint
	JobID       uint
	Phase       core.Phase
	ExitCode    *int
	At          time.Time
	Results     core.JobResults // set on Completed
	ErrorName   string          // set on Failed
	Err         error
}

// Plan is a job ready to launch: its rendered command line and the input
// files to stage.
type Plan struct {
	Job              *core.Job
	JobType          *core.JobType
	Interface        core.JobInterface
	ClusterID        string
	CommandArguments string   // rendered command line, as recorded
	Args             []string // rendered arguments, as passed to the command
	Inputs           []StagedInput
}

// StagedInput is an input file and its path relative to the work directory.
type StagedInput struct {
	Port string
	File *core.File
	Path string
}

// Runner runs executions through their pre, main and post phases.
type Runner struct {
	store    core.Storage
	resolver *workspace.Resolver
	docker   Driver
	direct   Driver
	bus      *notify.Bus
	logger   *slog.Logger
	now      func() time.Time
	workRoot string

	reports chan Report
	wg      sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithBus registers running executions on b so they can be canceled.
func WithBus(b *notify.Bus) Option {
	return func(r *Runner) { r.bus = b }
}

// WithDrivers sets the drivers for docker jobs and for jobs run directly
// on the node.
func WithDrivers(docker, direct Driver) Option {
	return func(r *Runner) {
		r.docker = docker
		r.direct = direct
	}
}

// WithWorkRoot sets the directory work directories are created under.
func WithWorkRoot(dir string) Option {
	return func(r *Runner) { r.workRoot = dir }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithReportBuffer sets the capacity of the report channel.
func WithReportBuffer(n int) Option {
	return func(r *Runner) { r.reports = make(chan Report, n) }
}

// New creates a Runner.
func New(store core.Storage, resolver *workspace.Resolver, opts ...Option) *Runner {
	r := &Runner{
		store:    store,
		resolver: resolver,
		logger:   slog.Default(),
		now:      time.Now,
		workRoot: os.TempDir(),
		reports:  make(chan Report, 256),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.docker == nil {
		r.docker = &DockerDriver{Logger: r.logger}
	}
	if r.direct == nil {
		r.direct = ExecDriver{}
	}
	return r
}

// Reports returns the channel executions report on.
func (r *Runner) Reports() <-chan Report {
	return r.reports
}

// Wait blocks until every launched execution has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// ──────────────────────────────────────────────────────────────────────────────
// Preparation
// ──────────────────────────────────────────────────────────────────────────────

// Prepare resolves a queued job's inputs and renders its command line. A
// required input that is unbound or refers to a missing file fails with the
// invalid-input error.
func (r *Runner) Prepare(ctx context.Context, job *core.Job) (*Plan, error) {
	jt, err := r.store.GetJobType(ctx, job.JobTypeID)
	if err != nil {
		return nil, err
	}
	rev, err := r.store.GetJobTypeRevisionByID(ctx, job.JobTypeRevID)
	if err != nil {
		return nil, err
	}
	iface := rev.Interface.Data()
	data := job.Data.Data()

	plan := &Plan{
		Job:       job,
		JobType:   jt,
		Interface: iface,
		ClusterID: "scale_" + uuid.NewString(),
	}
	values := map[string]string{core.OutputDirPlaceholder: OutputDir}

	for _, port := range iface.InputData {
		binding, bound := data.Input(port.Name)
		switch port.Type {
		case core.PortProperty:
			if bound && binding.Value != nil {
				values[port.Name] = *binding.Value
				continue
			}
		default:
			ids := binding.Files()
			if bound && len(ids) > 0 {
				files, err := r.store.GetFiles(ctx, ids)
				if err != nil {
					return nil, err
				}
				if len(files) != len(ids) {
					return nil, invalidInput(fmt.Errorf("input %s: %d of %d files missing", port.Name, len(ids)-len(files), len(ids)))
				}
				dir := path.Join(InputDir, port.Name)
				for _, f := range files {
					plan.Inputs = append(plan.Inputs, StagedInput{Port: port.Name, File: f, Path: path.Join(dir, f.FileName)})
				}
				if port.Type == core.PortFile {
					values[port.Name] = path.Join(dir, files[0].FileName)
				} else {
					values[port.Name] = dir
				}
				continue
			}
		}
		if port.IsRequired() {
			return nil, invalidInput(fmt.Errorf("required input %s is not bound", port.Name))
		}
		values[port.Name] = ""
	}

	args, missing := iface.RenderArguments(values)
	if len(missing) > 0 {
		return nil, invalidInput(fmt.Errorf("unresolved placeholders: %s", strings.Join(missing, ", ")))
	}
	plan.CommandArguments = args
	plan.Args, _ = iface.RenderArgv(values)
	return plan, nil
}

func invalidInput(err error) *core.PhaseError {
	return &core.PhaseError{Phase: core.PhasePre, ErrorName: core.ErrorInvalidInput, Err: err}
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────────────────────────────────

// Launch runs an execution in the background. Cancelling ctx abandons the
// execution without a final report; cancelling through the bus ends it as
// canceled.
func (r *Runner) Launch(ctx context.Context, plan *Plan, exe *core.JobExecution) {
	execCtx, cancel := context.WithCancel(ctx)
	if r.bus != nil {
		r.bus.RegisterRunning(exe.ID, cancel)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		if r.bus != nil {
			defer r.bus.UnregisterRunning(exe.ID)
		}
		r.run(ctx, execCtx, plan, exe)
	}()
}

func (r *Runner) run(parent, execCtx context.Context, plan *Plan, exe *core.JobExecution) {
	runCtx := execCtx
	if exe.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(execCtx, time.Duration(exe.Timeout)*time.Second)
		defer stop()
	}

	workDir := filepath.Join(r.workRoot, plan.ClusterID)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			r.logger.Warn("work directory cleanup failed", "dir", workDir, "error", err)
		}
	}()
	runCtx = WithExecution(runCtx, &Execution{Job: plan.Job, Execution: exe, JobType: plan.JobType, WorkDir: workDir})

	log := r.logger.With("job_id", plan.Job.ID, "exe_id", exe.ID, "cluster_id", plan.ClusterID)
	results, err := r.phases(parent, runCtx, plan, exe, workDir)

	final := Report{ExecutionID: exe.ID, JobID: plan.Job.ID}
	var phaseErr *core.PhaseError
	switch {
	case parent.Err() != nil:
		log.Info("execution abandoned on shutdown")
		return
	case execCtx.Err() != nil:
		final.Kind = Canceled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		final.Kind = Failed
		final.ErrorName = core.ErrorTimeout
		final.Err = fmt.Errorf("execution exceeded %ds timeout", exe.Timeout)
	case errors.As(err, &phaseErr):
		final.Kind = Failed
		final.ErrorName = phaseErr.ErrorName
		final.Err = err
	case err != nil:
		final.Kind = Failed
		final.ErrorName = core.ErrorUnknown
		final.Err = err
	default:
		final.Kind = Completed
		final.Results = results
	}

	if final.Err != nil {
		log.Warn("execution ended", "outcome", final.Kind.String(), "error_name", final.ErrorName, "error", final.Err)
	} else {
		log.Info("execution ended", "outcome", final.Kind.String())
	}
	r.send(parent, final)
}

// phases runs pre, main and post in order, stopping at the first failure.
// System jobs have no inputs to stage or outputs to collect and run only
// their main phase.
func (r *Runner) phases(parent, ctx context.Context, plan *Plan, exe *core.JobExecution, workDir string) (core.JobResults, error) {
	results := core.JobResults{Version: "1.0"}
	system := plan.JobType.IsSystem

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return results, &core.PhaseError{Phase: core.PhasePre, ErrorName: core.ErrorPreTask, Err: err}
	}

	if !system {
		if err := r.phase(parent, exe, plan, core.PhasePre, func() (*int, error) {
			return nil, r.stageInputs(ctx, plan, workDir)
		}); err != nil {
			return results, err
		}
	}

	if err := r.phase(parent, exe, plan, core.PhaseMain, func() (*int, error) {
		return r.runMain(ctx, plan, exe, workDir)
	}); err != nil {
		return results, err
	}

	if !system {
		if err := r.phase(parent, exe, plan, core.PhasePost, func() (*int, error) {
			var err error
			results, err = r.collectOutputs(ctx, plan, exe, workDir)
			return nil, err
		}); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (r *Runner) phase(parent context.Context, exe *core.JobExecution, plan *Plan, p core.Phase, fn func() (*int, error)) error {
	r.send(parent, Report{Kind: PhaseStarted, ExecutionID: exe.ID, JobID: plan.Job.ID, Phase: p, At: r.now()})
	code, err := fn()
	r.send(parent, Report{Kind: PhaseEnded, ExecutionID: exe.ID, JobID: plan.Job.ID, Phase: p, ExitCode: code, At: r.now()})
	return err
}

func (r *Runner) send(parent context.Context, rep Report) {
	select {
	case r.reports <- rep:
	case <-parent.Done():
	}
}

// stageInputs downloads every input file into input_data/<port>/ and
// creates an empty output_data/<port>/ per output port.
func (r *Runner) stageInputs(ctx context.Context, plan *Plan, workDir string) error {
	for _, port := range plan.Interface.OutputData {
		if err := os.MkdirAll(filepath.Join(workDir, OutputDir, port.Name), 0o755); err != nil {
			return &core.PhaseError{Phase: core.PhasePre, ErrorName: core.ErrorPreTask, Err: err}
		}
	}
	for _, in := range plan.Inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		broker, err := r.resolver.Broker(ctx, in.File.WorkspaceID)
		if err == nil {
			err = broker.Download(ctx, in.File, filepath.Join(workDir, filepath.FromSlash(in.Path)))
		}
		if err != nil {
			return brokerError(core.PhasePre, core.ErrorPreTask, fmt.Errorf("stage %s: %w", in.Path, err))
		}
	}
	return nil
}

func (r *Runner) runMain(ctx context.Context, plan *Plan, exe *core.JobExecution, workDir string) (*int, error) {
	jt := plan.JobType
	c := Container{
		Name:       plan.ClusterID,
		Image:      jt.DockerImage,
		Command:    plan.Interface.Command,
		Args:       plan.Args,
		CPUs:       exe.CPUs,
		MemMiB:     exe.Mem,
		Mounts:     []Mount{{Host: workDir, Container: ContainerDir}},
		WorkDir:    ContainerDir,
		Privileged: jt.DockerPrivileged,
		Env: []string{
			"SCALE_JOB_ID=" + strconv.FormatUint(uint64(plan.Job.ID), 10),
			"SCALE_EXE_NUM=" + strconv.Itoa(exe.ExeNum),
		},
	}
	driver, launchError := r.direct, core.ErrorTaskLaunch
	if jt.UsesDocker {
		driver, launchError = r.docker, core.ErrorDockerTaskLaunch
	}

	code, err := driver.Run(ctx, c)
	if err != nil {
		if errors.Is(err, ErrLaunch) {
			return nil, &core.PhaseError{Phase: core.PhaseMain, ErrorName: launchError, Err: err}
		}
		return nil, &core.PhaseError{Phase: core.PhaseMain, ErrorName: core.ErrorUnknown, Err: err}
	}
	if code == 0 {
		return &code, nil
	}

	name := core.ErrorUnknown
	if code < 0 {
		name = core.ErrorDockerTerminated
	} else if mapped, ok := jt.ErrorMapping.Data().ExitCodes[strconv.Itoa(code)]; ok {
		name = mapped
	}
	return &code, &core.PhaseError{Phase: core.PhaseMain, ErrorName: name, ExitCode: &code, Err: fmt.Errorf("command exited %d", code)}
}

// collectOutputs uploads the files under output_data/<port>/ to the
// workspace bound to each port and registers them.
func (r *Runner) collectOutputs(ctx context.Context, plan *Plan, exe *core.JobExecution, workDir string) (core.JobResults, error) {
	results := core.JobResults{Version: "1.0"}
	data := plan.Job.Data.Data()

	for _, port := range plan.Interface.OutputData {
		names, err := listOutputs(filepath.Join(workDir, OutputDir, port.Name))
		if err != nil {
			return results, &core.PhaseError{Phase: core.PhasePost, ErrorName: core.ErrorPostTask, Err: err}
		}
		if len(names) == 0 {
			if port.IsRequired() {
				return results, &core.PhaseError{Phase: core.PhasePost, ErrorName: core.ErrorPostTask,
					Err: fmt.Errorf("required output %s was not produced", port.Name)}
			}
			continue
		}
		if port.Type == core.PortFile && len(names) > 1 {
			return results, &core.PhaseError{Phase: core.PhasePost, ErrorName: core.ErrorPostTask,
				Err: fmt.Errorf("output %s takes one file, got %d", port.Name, len(names))}
		}
		binding, ok := data.Output(port.Name)
		if !ok || binding.WorkspaceID == 0 {
			return results, &core.PhaseError{Phase: core.PhasePost, ErrorName: core.ErrorPostTask,
				Err: fmt.Errorf("output %s has no workspace", port.Name)}
		}
		broker, err := r.resolver.Broker(ctx, binding.WorkspaceID)
		if err != nil {
			return results, brokerError(core.PhasePost, core.ErrorPostTask, err)
		}

		out := core.ResultOutput{Name: port.Name}
		for _, name := range names {
			f, err := r.storeOutput(ctx, broker, plan.Job, exe, port, binding.WorkspaceID, filepath.Join(workDir, OutputDir, port.Name, name), name)
			if err != nil {
				return results, err
			}
			if port.Type == core.PortFile {
				out.FileID = f.ID
			} else {
				out.FileIDs = append(out.FileIDs, f.ID)
			}
		}
		results.OutputData = append(results.OutputData, out)
	}
	return results, nil
}

func (r *Runner) storeOutput(ctx context.Context, broker workspace.Broker, job *core.Job, exe *core.JobExecution, port core.OutputPort, workspaceID uint, src, name string) (*core.File, error) {
	remote := fmt.Sprintf("job_%d/exe_%d/%s/%s", job.ID, exe.ExeNum, port.Name, name)
	size, err := broker.Upload(ctx, src, remote)
	if err != nil {
		return nil, brokerError(core.PhasePost, core.ErrorPostTask, fmt.Errorf("upload %s: %w", remote, err))
	}

	jobID, exeID := job.ID, exe.ID
	f := &core.File{
		WorkspaceID: workspaceID,
		FileName:    name,
		MediaType:   mediaType(port, name),
		FileSize:    size,
		FilePath:    remote,
		UUID:        core.FileUUID(name, strconv.FormatUint(uint64(job.ID), 10), strconv.Itoa(exe.ExeNum), port.Name),
		JobID:       &jobID,
		JobExeID:    &exeID,
	}
	if err := r.store.CreateFile(ctx, f); err != nil {
		return nil, &core.PhaseError{Phase: core.PhasePost, ErrorName: core.ErrorPostTask, Err: err}
	}
	return f, nil
}

func listOutputs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func mediaType(port core.OutputPort, name string) string {
	if port.MediaType != "" {
		return port.MediaType
	}
	if mt := mime.TypeByExtension(filepath.Ext(name)); mt != "" {
		if base, _, err := mime.ParseMediaType(mt); err == nil {
			return base
		}
		return mt
	}
	return "application/octet-stream"
}

// brokerError maps broker failures to the retryable storage-unavailable
// error and everything else to the phase's own error.
func brokerError(p core.Phase, fallback string, err error) *core.PhaseError {
	name := fallback
	if errors.Is(err, workspace.ErrUnavailable) {
		name = core.ErrorStorageUnavailable
	}
	return &core.PhaseError{Phase: p, ErrorName: name, Err: err}
}
