package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileProbe is the built-in baseline collaborator set used by the CLI when
// no external integration is wired in. It treats lines marked FIXME or BUG
// as detectable defects, scores relationships by how often a file's base
// name is referenced by its neighbors, and patches by annotating the
// marker lines. It exists so the pipeline is runnable end to end; real
// deployments replace it through the Collaborators seam.
type FileProbe struct {
	markers []string
}

// NewFileProbe creates the baseline probe.
func NewFileProbe() *FileProbe {
	return &FileProbe{markers: []string{"FIXME", "BUG:"}}
}

// FileProbeCollaborators bundles one probe as all four contracts.
func FileProbeCollaborators() *Collaborators {
	probe := NewFileProbe()
	return &Collaborators{
		Detector: probe,
		Analyzer: probe,
		Applier:  probe,
		Verifier: probe,
	}
}

// Detect reports one bug per marker line found in the target.
func (f *FileProbe) Detect(_ context.Context, target, bugType string) (*DetectReport, error) {
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read target: %w", err)
	}

	report := &DetectReport{}
	for i, line := range strings.Split(string(data), "\n") {
		for _, marker := range f.markers {
			if !strings.Contains(line, marker) {
				continue
			}
			if bugType != "" && !strings.Contains(line, bugType) {
				continue
			}
			report.Bugs = append(report.Bugs, fmt.Sprintf("%s:%d %s", target, i+1, strings.TrimSpace(line)))
		}
	}
	return report, nil
}

// Analyze counts references to the target's base name in sibling files.
// Depth bounds how many directory levels of siblings are scanned.
func (f *FileProbe) Analyze(_ context.Context, target string, depth int) (*RelationReport, error) {
	base := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))
	root := filepath.Dir(target)
	report := &RelationReport{}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // Unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			rel, relErr := filepath.Rel(root, path)
			if relErr == nil && depth > 0 && strings.Count(rel, string(filepath.Separator)) >= depth {
				return filepath.SkipDir
			}
			return nil
		}
		if path == target {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil //nolint:nilerr
		}
		if strings.Contains(string(data), base) {
			report.Related = append(report.Related, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return report, nil
}

// Patch rewrites marker lines with a HEALED annotation. This is the only
// side-effecting write in the baseline pipeline.
func (f *FileProbe) Patch(_ context.Context, target, _ string) (*PatchReport, error) {
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read target: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	var patched []string
	changed := false
	for _, line := range lines {
		replaced := line
		for _, marker := range f.markers {
			if strings.Contains(replaced, marker) {
				replaced = strings.ReplaceAll(replaced, marker, "HEALED("+marker+")")
				changed = true
			}
		}
		patched = append(patched, replaced)
	}

	if !changed {
		return &PatchReport{Patched: false}, nil
	}

	if err := os.WriteFile(target, []byte(strings.Join(patched, "\n")), 0644); err != nil {
		return nil, fmt.Errorf("write target: %w", err)
	}

	return &PatchReport{
		Patched: true,
		Diff:    fmt.Sprintf("--- %s: annotated %d marker line(s)", target, len(lines)),
	}, nil
}

// Verify passes when no markers remain in the target.
func (f *FileProbe) Verify(ctx context.Context, target string) (*VerifyReport, error) {
	report, err := f.Detect(ctx, target, "")
	if err != nil {
		return nil, err
	}
	if len(report.Bugs) > 0 {
		return &VerifyReport{
			Status: "fail",
			Detail: fmt.Sprintf("%d marker(s) remain", len(report.Bugs)),
		}, nil
	}
	return &VerifyReport{Status: "pass", Detail: "clean"}, nil
}
