package opiforge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageReturning(result StageResult, kind ErrorKind, record *[]string, name string) func(*BuildConfig) (StageResult, *ErrorContext) {
	return func(bc *BuildConfig) (StageResult, *ErrorContext) {
		*record = append(*record, name)
		if result == StageSuccess {
			return StageSuccess, nil
		}
		return result, Errorf(kind, "stage %s failed", name)
	}
}

func TestPipelineRunsAllStagesOnSuccess(t *testing.T) {
	ResetCancel()
	var ran []string

	p := NewPipeline(false, nil)
	p.Add("one", stageReturning(StageSuccess, ErrUnknown, &ran, "one"))
	p.Add("two", stageReturning(StageSuccess, ErrUnknown, &ran, "two"))

	require.NoError(t, p.Execute(&BuildConfig{}))
	assert.Equal(t, []string{"one", "two"}, ran)
	assert.Equal(t, PipelineCompleted, p.State())
	assert.Empty(t, p.Failures())
}

func TestPipelineAbortsOnFatal(t *testing.T) {
	ResetCancel()
	var ran []string
	var cleanups int

	p := NewPipeline(false, func() { cleanups++ })
	p.Add("one", stageReturning(StageSuccess, ErrUnknown, &ran, "one"))
	p.Add("two", stageReturning(StageFatal, ErrCompilationFailed, &ran, "two"))
	p.Add("three", stageReturning(StageSuccess, ErrUnknown, &ran, "three"))

	err := p.Execute(&BuildConfig{})
	require.Error(t, err)
	assert.Equal(t, []string{"one", "two"}, ran)
	assert.Equal(t, PipelineAborted, p.State())
	assert.Equal(t, 1, cleanups)
	assert.Equal(t, ErrCompilationFailed, KindOf(err))
}

func TestPipelineContinueOnErrorDowngradesFatal(t *testing.T) {
	ResetCancel()
	var ran []string

	p := NewPipeline(true, nil)
	p.Add("one", stageReturning(StageFatal, ErrCompilationFailed, &ran, "one"))
	p.Add("two", stageReturning(StageSuccess, ErrUnknown, &ran, "two"))

	require.NoError(t, p.Execute(&BuildConfig{}))
	assert.Equal(t, []string{"one", "two"}, ran)
	assert.Equal(t, PipelineCompleted, p.State())
	require.Len(t, p.Failures(), 1)
	assert.Equal(t, ErrCompilationFailed, p.Failures()[0].Kind)
}

func TestPipelineAlwaysFatalIgnoresPolicy(t *testing.T) {
	ResetCancel()
	var ran []string
	var cleanups int

	p := NewPipeline(true, func() { cleanups++ })
	p.Add("one", stageReturning(StageSuccess, ErrUnknown, &ran, "one"))
	p.AddFatal("image", stageReturning(StageFatal, ErrImageAssemblyFailed, &ran, "image"))
	p.Add("after", stageReturning(StageSuccess, ErrUnknown, &ran, "after"))

	err := p.Execute(&BuildConfig{})
	require.Error(t, err)
	assert.Equal(t, []string{"one", "image"}, ran)
	assert.Equal(t, PipelineAborted, p.State())
	assert.Equal(t, 1, cleanups)
}

func TestPipelineSoftFailAlwaysAdvances(t *testing.T) {
	ResetCancel()
	var ran []string

	p := NewPipeline(false, nil)
	p.Add("gpu", stageReturning(StageSoftFail, ErrNetworkFailure, &ran, "gpu"))
	p.Add("image", stageReturning(StageSuccess, ErrUnknown, &ran, "image"))

	require.NoError(t, p.Execute(&BuildConfig{}))
	assert.Equal(t, []string{"gpu", "image"}, ran)
	require.Len(t, p.Failures(), 1)
	assert.Equal(t, ErrNetworkFailure, p.Failures()[0].Kind)
}

func TestPipelineCancellationBetweenStages(t *testing.T) {
	ResetCancel()
	t.Cleanup(ResetCancel)

	var ran []string
	var cleanups int

	p := NewPipeline(true, func() { cleanups++ })
	p.Add("one", func(bc *BuildConfig) (StageResult, *ErrorContext) {
		ran = append(ran, "one")
		RequestCancel()
		return StageSuccess, nil
	})
	p.Add("two", stageReturning(StageSuccess, ErrUnknown, &ran, "two"))

	err := p.Execute(&BuildConfig{})
	require.Error(t, err)
	assert.Equal(t, ErrUserCancelled, KindOf(err))
	assert.Equal(t, []string{"one"}, ran)
	assert.Equal(t, PipelineAborted, p.State())
	assert.Equal(t, 1, cleanups)
}

func TestPipelineCleanupRunsOnce(t *testing.T) {
	ResetCancel()
	var cleanups int

	p := NewPipeline(false, func() { cleanups++ })
	p.Add("boom", func(bc *BuildConfig) (StageResult, *ErrorContext) {
		return StageFatal, Errorf(ErrUnknown, "boom")
	})

	require.Error(t, p.Execute(&BuildConfig{}))
	p.runCleanup()
	assert.Equal(t, 1, cleanups)
}
