package opiforge

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BoardProfile is a declarative board description loaded from YAML. A
// profile can rename the partition layout, resize the image, override
// the default source candidates and change hardware identifiers
// without touching code. Fields left empty keep the built-in Orange Pi
// 5 Plus defaults.
type BoardProfile struct {
	Name        string `yaml:"name"`
	Layout      string `yaml:"layout,omitempty"`
	DTB         string `yaml:"dtb,omitempty"`
	Hostname    string `yaml:"hostname,omitempty"`
	ImageSizeMB int64  `yaml:"image_size_mb,omitempty"`

	Kernel []ProfileSource `yaml:"kernel,omitempty"`
	UBoot  []ProfileSource `yaml:"uboot,omitempty"`
}

// ProfileSource is one source candidate contributed by a profile. It
// is tried before the built-in chain for its component.
type ProfileSource struct {
	Label    string `yaml:"label"`
	Repo     string `yaml:"repo"`
	Branch   string `yaml:"branch"`
	Mainline bool   `yaml:"mainline,omitempty"`
}

// LoadBoardProfile reads and validates a profile file.
func LoadBoardProfile(path string) (*BoardProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read board profile: %w", err)
	}
	var p BoardProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse board profile %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("board profile %s: %w", path, err)
	}
	return &p, nil
}

func (p *BoardProfile) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Layout != "" {
		if _, err := LayoutForProfile(p.Layout); err != nil {
			return err
		}
	}
	if p.ImageSizeMB < 0 {
		return fmt.Errorf("image_size_mb must not be negative")
	}
	for _, s := range append(append([]ProfileSource{}, p.Kernel...), p.UBoot...) {
		if s.Repo == "" || s.Branch == "" {
			return fmt.Errorf("source candidate %q needs both repo and branch", s.Label)
		}
	}
	return nil
}

// Apply folds the profile into the build configuration.
func (p *BoardProfile) Apply(bc *BuildConfig) {
	if p.Layout != "" {
		bc.Profile = p.Layout
	}
	if p.DTB != "" {
		bc.DTB = p.DTB
	}
	if p.Hostname != "" {
		bc.Hostname = p.Hostname
	}
	if p.ImageSizeMB > 0 {
		bc.ImageSizeMB = p.ImageSizeMB
	}
	if len(p.Kernel) > 0 {
		bc.KernelCandidates = candidatesFromProfile(p.Kernel)
	}
	if len(p.UBoot) > 0 {
		bc.UBootCandidates = candidatesFromProfile(p.UBoot)
	}
	logInfo("Applied board profile %q", p.Name)
}

func candidatesFromProfile(srcs []ProfileSource) []SourceCandidate {
	out := make([]SourceCandidate, 0, len(srcs))
	for _, s := range srcs {
		label := s.Label
		if label == "" {
			label = s.Repo
		}
		out = append(out, SourceCandidate{
			Label:    label,
			Repo:     s.Repo,
			Branch:   s.Branch,
			Mainline: s.Mainline,
		})
	}
	return out
}
