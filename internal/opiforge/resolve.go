package opiforge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrResolutionExhausted signals that every candidate in a source
// chain failed to fetch.
var ErrResolutionExhausted = errors.New("all source candidates failed")

// SourceCandidate is one immutable fallback option for a component's
// upstream source.
type SourceCandidate struct {
	Label  string
	Repo   string
	Branch string
	// Mainline marks the always-available fallback that needs the
	// hardware-integration patch set applied after checkout.
	Mainline bool
}

// SourceChain tries candidates in declared order (vendor board source
// first, mainline last) and pins the first one that fetches.
type SourceChain struct {
	Component  string
	Candidates []SourceCandidate

	// fetchRetries is the per-candidate retry budget for the shallow
	// clone. Clones are network-shaped, so a small budget applies.
	fetchRetries int
}

func NewSourceChain(component string, candidates []SourceCandidate) *SourceChain {
	return &SourceChain{Component: component, Candidates: candidates, fetchRetries: 2}
}

// Resolve shallow-clones each candidate into destDir until one
// succeeds and returns it. Failed candidates are logged at warning
// level. When every candidate fails, ErrResolutionExhausted is
// returned wrapped with the component name.
func (c *SourceChain) Resolve(run Runner, destDir string) (*SourceCandidate, error) {
	for i := range c.Candidates {
		cand := &c.Candidates[i]
		if CancelRequested() {
			return nil, Errorf(ErrUserCancelled, "source resolution interrupted")
		}

		logInfo("Trying %s source: %s (branch %s)", c.Component, cand.Label, cand.Branch)

		// A leftover tree from a failed candidate must not be reused.
		if err := os.RemoveAll(destDir); err != nil {
			return nil, fmt.Errorf("failed to clean %s: %w", destDir, err)
		}

		clone := NewCommand("git", "clone", "--depth", "1", "--branch", cand.Branch, cand.Repo, destDir)
		if ec := run.ExecuteRetry(clone, true, c.fetchRetries); ec != nil {
			if ec.Kind == ErrUserCancelled {
				return nil, ec
			}
			logWarn("Candidate %s failed for %s: %v", cand.Label, c.Component, ec)
			continue
		}

		logInfo("Pinned %s source: %s", c.Component, cand.Label)
		return cand, nil
	}
	return nil, fmt.Errorf("%s: %w", c.Component, ErrResolutionExhausted)
}

// ApplyIntegrationPatches fetches and applies the hardware-integration
// patch set required when the mainline fallback was pinned. A patch
// failure is a soft failure: the mainline tree may still build without
// full hardware support.
func ApplyIntegrationPatches(run Runner, srcDir, patchRepo string) error {
	patchDir := filepath.Join(PatchesDir, filepath.Base(srcDir))
	if err := os.RemoveAll(patchDir); err != nil {
		return fmt.Errorf("failed to clean patch dir: %w", err)
	}

	clone := NewCommand("git", "clone", "--depth", "1", patchRepo, patchDir)
	if ec := run.ExecuteRetry(clone, true, 2); ec != nil {
		return WrapError(ErrNetworkFailure, ec, "failed to fetch integration patches from %s", patchRepo)
	}

	patches, err := filepath.Glob(filepath.Join(patchDir, "*.patch"))
	if err != nil || len(patches) == 0 {
		return fmt.Errorf("no patches found in %s", patchDir)
	}

	for _, p := range patches {
		apply := NewCommand("git", "apply", p).InDir(srcDir)
		if ec := run.Execute(apply, true); ec != nil {
			return fmt.Errorf("patch %s did not apply: %w", filepath.Base(p), ec)
		}
	}
	logInfo("Applied %d integration patches", len(patches))
	return nil
}

// Default candidate chains for the Orange Pi 5 Plus target. Ordering
// is a decreasing-trust policy: board vendor, vendor family, mainline.
var (
	kernelCandidates = []SourceCandidate{
		{Label: "ubuntu-rockchip-opi5", Repo: "https://github.com/Joshua-Riek/linux-rockchip.git", Branch: "ubuntu-rockchip-6.8-opi5"},
		{Label: "ubuntu-rockchip-6.8", Repo: "https://github.com/Joshua-Riek/linux-rockchip.git", Branch: "ubuntu-rockchip-6.8"},
		{Label: "ubuntu-rockchip-6.1", Repo: "https://github.com/Joshua-Riek/linux-rockchip.git", Branch: "ubuntu-rockchip-6.1"},
		{Label: "orangepi-vendor", Repo: "https://github.com/orangepi-xunlong/linux-orangepi.git", Branch: "orange-pi-5.10-rk35xx"},
		{Label: "mainline", Repo: "https://github.com/torvalds/linux.git", Branch: "master", Mainline: true},
	}

	ubootCandidates = []SourceCandidate{
		{Label: "orangepi-vendor", Repo: "https://github.com/orangepi-xunlong/u-boot-orangepi.git", Branch: "v2017.09-rk3588"},
		{Label: "mainline", Repo: "https://github.com/u-boot/u-boot.git", Branch: "master", Mainline: true},
	}

	// kernelPatchRepo carries the RK3588 integration patches applied on
	// top of a mainline checkout.
	kernelPatchRepo = "https://github.com/Joshua-Riek/ubuntu-rockchip.git"

	// ubootPatchRepo carries the Orange Pi board patches applied on top
	// of a mainline U-Boot checkout.
	ubootPatchRepo = "https://github.com/Joshua-Riek/ubuntu-rockchip.git"
)
