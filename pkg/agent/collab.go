package agent

import (
	"context"
)

// Collaborator contracts. The diagnosis, analysis, patching, and
// verification intelligence lives behind these narrow interfaces; the core
// only inspects status and error fields of what comes back.

// DetectReport is the envelope returned by a bug-detection collaborator.
type DetectReport struct {
	Bugs []string `json:"bugs"`
}

// BugDetector finds bugs in a target artifact.
type BugDetector interface {
	Detect(ctx context.Context, target, bugType string) (*DetectReport, error)
}

// RelationReport is the envelope returned by a relationship-analysis
// collaborator.
type RelationReport struct {
	Related      []string `json:"related"`
	PriorityHint float64  `json:"priority_hint"`
}

// RelationshipAnalyzer maps a target's relationships bounded by depth.
type RelationshipAnalyzer interface {
	Analyze(ctx context.Context, target string, depth int) (*RelationReport, error)
}

// PatchReport is the envelope returned by a patch collaborator.
type PatchReport struct {
	Patched bool   `json:"patched"`
	Diff    string `json:"diff"`
}

// PatchApplier produces and applies a fix for a target. Applying the patch
// is the only side-effecting write in the pipeline.
type PatchApplier interface {
	Patch(ctx context.Context, target, strategy string) (*PatchReport, error)
}

// VerifyReport is the envelope returned by a verification collaborator.
type VerifyReport struct {
	Status string `json:"status"` // "pass" or "fail"
	Detail string `json:"detail"`
}

// PatchVerifier checks whether a target is healthy after patching.
type PatchVerifier interface {
	Verify(ctx context.Context, target string) (*VerifyReport, error)
}

// Collaborators bundles the four external contracts needed to assemble a
// full agent roster.
type Collaborators struct {
	Detector BugDetector
	Analyzer RelationshipAnalyzer
	Applier  PatchApplier
	Verifier PatchVerifier
}
