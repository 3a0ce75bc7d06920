package opiforge

import (
	"fmt"
)

// StageResult is the outcome of one pipeline stage.
type StageResult int

const (
	StageSuccess StageResult = iota
	StageSoftFail
	StageFatal
)

func (r StageResult) String() string {
	switch r {
	case StageSuccess:
		return "success"
	case StageSoftFail:
		return "soft-fail"
	default:
		return "fatal"
	}
}

// Stage is one named unit of work. Run returns the result plus the
// failure context when the result is not success.
type Stage struct {
	Name string
	Run  func(bc *BuildConfig) (StageResult, *ErrorContext)
	// AlwaysFatal stages ignore the continue-on-error downgrade. The
	// image assembly stage sets this: a half-written image must never
	// be offered as output.
	AlwaysFatal bool
}

// PipelineState tracks the controller's lifecycle.
type PipelineState int

const (
	PipelineNotStarted PipelineState = iota
	PipelineRunning
	PipelineCompleted
	PipelineAborted
)

// Pipeline drives an ordered list of stages with a continue-on-error
// policy. It is created per build invocation and discarded afterwards.
type Pipeline struct {
	Stages          []Stage
	ContinueOnError bool

	// Cleanup runs exactly once on abort or cancellation; it tears
	// down any attached loop device and active mounts.
	Cleanup func()

	state       PipelineState
	cleanupDone bool
	failures    []*ErrorContext
}

func NewPipeline(continueOnError bool, cleanup func()) *Pipeline {
	return &Pipeline{ContinueOnError: continueOnError, Cleanup: cleanup}
}

// Add appends a stage.
func (p *Pipeline) Add(name string, run func(bc *BuildConfig) (StageResult, *ErrorContext)) {
	p.Stages = append(p.Stages, Stage{Name: name, Run: run})
}

// AddFatal appends a stage exempt from the continue-on-error downgrade.
func (p *Pipeline) AddFatal(name string, run func(bc *BuildConfig) (StageResult, *ErrorContext)) {
	p.Stages = append(p.Stages, Stage{Name: name, Run: run, AlwaysFatal: true})
}

// State returns the controller state.
func (p *Pipeline) State() PipelineState { return p.state }

// Failures returns the accumulated per-stage failure summaries.
func (p *Pipeline) Failures() []*ErrorContext { return p.failures }

func (p *Pipeline) runCleanup() {
	if p.cleanupDone {
		return
	}
	p.cleanupDone = true
	if p.Cleanup != nil {
		p.Cleanup()
	}
}

// Execute runs the stages in order. After each stage: fatal +
// !continue-on-error aborts; with continue-on-error a fatal is
// downgraded to a logged soft failure (except AlwaysFatal stages);
// soft failures always advance. The cancellation flag is polled
// between stages and forces an abort plus cleanup regardless of the
// policy.
func (p *Pipeline) Execute(bc *BuildConfig) error {
	p.state = PipelineRunning

	for _, stage := range p.Stages {
		if CancelRequested() {
			logWarn("Build interrupted, aborting before stage %q", stage.Name)
			p.state = PipelineAborted
			p.runCleanup()
			return Errorf(ErrUserCancelled, "build cancelled before stage %q", stage.Name)
		}

		logInfo("=== Stage: %s ===", stage.Name)
		result, ec := stage.Run(bc)

		switch result {
		case StageSuccess:
			continue
		case StageSoftFail:
			if ec != nil {
				p.failures = append(p.failures, ec)
				logWarn("Stage %q soft-failed: %v", stage.Name, ec)
			}
			continue
		case StageFatal:
			if ec == nil {
				ec = Errorf(ErrUnknown, "stage %q failed", stage.Name)
			}
			p.failures = append(p.failures, ec)

			if p.ContinueOnError && !stage.AlwaysFatal {
				logWarn("Stage %q failed, continuing per policy: %v", stage.Name, ec)
				continue
			}

			logError("Stage %q failed [%s]: %v", stage.Name, ec.Kind, ec)
			p.state = PipelineAborted
			p.runCleanup()
			return fmt.Errorf("pipeline aborted at stage %q: %w", stage.Name, ec)
		}
	}

	p.state = PipelineCompleted
	return nil
}
