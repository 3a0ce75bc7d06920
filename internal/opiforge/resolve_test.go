package opiforge

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCandidates() []SourceCandidate {
	return []SourceCandidate{
		{Label: "vendor-board", Repo: "https://example.com/vendor.git", Branch: "board-6.8"},
		{Label: "vendor-family", Repo: "https://example.com/family.git", Branch: "family-6.8"},
		{Label: "mainline", Repo: "https://example.com/mainline.git", Branch: "master", Mainline: true},
	}
}

func TestResolvePinsFirstSuccess(t *testing.T) {
	ResetCancel()
	run := &scriptRunner{}
	chain := NewSourceChain("kernel", testCandidates())

	cand, err := chain.Resolve(run, filepath.Join(t.TempDir(), "kernel"))
	require.NoError(t, err)
	assert.Equal(t, "vendor-board", cand.Label)
	require.Len(t, run.calls, 1)
	assert.Equal(t, "git", run.calls[0].Program)
	assert.Contains(t, run.calls[0].String(), "--branch board-6.8")
}

func TestResolveFallsThroughInOrder(t *testing.T) {
	ResetCancel()
	run := &scriptRunner{}
	run.handle = func(c Command) *ErrorContext {
		if strings.Contains(c.String(), "vendor.git") || strings.Contains(c.String(), "family.git") {
			return Errorf(ErrNetworkFailure, "clone failed")
		}
		return nil
	}
	chain := NewSourceChain("kernel", testCandidates())

	cand, err := chain.Resolve(run, filepath.Join(t.TempDir(), "kernel"))
	require.NoError(t, err)
	assert.Equal(t, "mainline", cand.Label)
	assert.True(t, cand.Mainline)

	var repos []string
	for _, c := range run.calls {
		repos = append(repos, c.String())
	}
	assert.Less(t, firstLineWith(repos, "vendor.git"), firstLineWith(repos, "family.git"))
	assert.Less(t, firstLineWith(repos, "family.git"), firstLineWith(repos, "mainline.git"))
}

func TestResolveExhaustion(t *testing.T) {
	ResetCancel()
	run := &scriptRunner{}
	run.handle = func(c Command) *ErrorContext {
		return Errorf(ErrNetworkFailure, "no network")
	}
	chain := NewSourceChain("u-boot", testCandidates())

	_, err := chain.Resolve(run, filepath.Join(t.TempDir(), "uboot"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResolutionExhausted))
	assert.Contains(t, err.Error(), "u-boot")
	assert.Len(t, run.calls, 3, "every candidate gets exactly one chain attempt")
}

func TestResolveStopsOnCancellation(t *testing.T) {
	ResetCancel()
	t.Cleanup(ResetCancel)

	run := &scriptRunner{}
	run.handle = func(c Command) *ErrorContext {
		RequestCancel()
		return Errorf(ErrUserCancelled, "interrupted")
	}
	chain := NewSourceChain("kernel", testCandidates())

	_, err := chain.Resolve(run, filepath.Join(t.TempDir(), "kernel"))
	require.Error(t, err)
	assert.Equal(t, ErrUserCancelled, KindOf(err))
	assert.Len(t, run.calls, 1, "cancellation must not be burned as a fallback")
}

func TestDefaultCandidateOrdering(t *testing.T) {
	require.NotEmpty(t, kernelCandidates)
	assert.False(t, kernelCandidates[0].Mainline, "vendor sources come first")
	last := kernelCandidates[len(kernelCandidates)-1]
	assert.True(t, last.Mainline, "mainline is the final fallback")

	require.NotEmpty(t, ubootCandidates)
	for _, c := range append(append([]SourceCandidate{}, kernelCandidates...), ubootCandidates...) {
		assert.NotEmpty(t, c.Repo)
		assert.NotEmpty(t, c.Branch)
	}
}
