package toolchain

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/vulnmesh/core/pkg/domain"
)

const analyzerTimeout = 90 * time.Second

// analyzerRawFinding is the shape emitted by the configured static analyzer
// binary, before normalization.
type analyzerRawFinding struct {
	Path       string  `json:"path"`
	Type       string  `json:"type"`
	Severity   string  `json:"severity"`   // tool-HIGH, tool-MEDIUM, tool-LOW, tool-INFORMATIONAL
	Confidence string  `json:"confidence"` // tool-high, tool-medium, tool-low
	Message    string  `json:"message"`
	Line       int     `json:"line"`
}

type analyzerPayload struct {
	Success  bool                  `json:"success"`
	Findings []analyzerRawFinding `json:"findings"`
}

// AnalyzerFinding is a normalized static-analysis finding ready for the
// researcher pipeline's PERSIST_FINDINGS_AND_PROOFS step.
type AnalyzerFinding struct {
	Path       string
	Type       string
	Severity   domain.Severity
	Confidence float64
	Message    string
	Line       int
}

// analyzerCommandVariants are tried, in order, against the configured
// binary — different analyzer versions/forks expose slightly different
// flag surfaces, so the first one that produces usable output wins.
func analyzerCommandVariants(binaryPath, dir, contractPath string) [][]string {
	return [][]string{
		{binaryPath, "analyze", "--json", dir, contractPath},
		{binaryPath, "--format", "json", dir, contractPath},
		{binaryPath, dir, contractPath, "--json"},
	}
}

// RunStaticAnalyzer invokes the configured analyzer with multiple command
// variants in priority order, per spec.md §4.6. A non-zero exit whose
// stdout (or stderr) nonetheless contains a {"success":true,...} JSON
// payload is accepted; binary-not-found is reported as a distinct outcome
// from an analysis error.
func RunStaticAnalyzer(ctx context.Context, binaryPath, dir, contractPath string) ([]AnalyzerFinding, error) {
	if _, err := exec.LookPath(binaryPath); err != nil {
		return nil, newError(ErrAnalyzerUnavailable, "analyzer binary not found", err)
	}

	ctx, cancel := context.WithTimeout(ctx, analyzerTimeout)
	defer cancel()

	var lastErr error
	for _, args := range analyzerCommandVariants(binaryPath, dir, contractPath) {
		payload, err := runAnalyzerVariant(ctx, args)
		if err == nil {
			return normalizeFindings(payload.Findings), nil
		}
		lastErr = err
	}
	return nil, newError(ErrAnalyzerFailed, "all analyzer command variants failed", lastErr)
}

var errAnalyzerVariantUnsuccessful = newError(ErrAnalyzerFailed, "analyzer payload reported success=false", nil)

func runAnalyzerVariant(ctx context.Context, args []string) (*analyzerPayload, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: compileOutputCap}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: compileOutputCap}

	runErr := cmd.Run()

	payload, parseErr := parseAnalyzerJSON(stdout.Bytes())
	if parseErr != nil {
		payload, parseErr = parseAnalyzerJSON(stderr.Bytes())
	}
	if parseErr != nil {
		if runErr != nil {
			return nil, runErr
		}
		return nil, parseErr
	}
	if !payload.Success {
		return nil, errAnalyzerVariantUnsuccessful
	}
	return payload, nil
}

// parseAnalyzerJSON extracts the first top-level JSON object found in raw
// output, since some analyzer variants interleave log lines with the JSON
// payload.
func parseAnalyzerJSON(raw []byte) (*analyzerPayload, error) {
	start := bytes.IndexByte(raw, '{')
	if start < 0 {
		return nil, errNoJSONPayload
	}
	var payload analyzerPayload
	if err := json.NewDecoder(bytes.NewReader(raw[start:])).Decode(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

var errNoJSONPayload = newError(ErrAnalyzerFailed, "no JSON payload found in analyzer output", nil)

// normalizeFindings maps raw tool findings to the canonical severity and
// confidence scale per spec.md §4.6, then filters out low-value results:
// confidence < 0.4, INFO findings under confidence 0.7, and any finding
// whose path contains "test" (case-insensitive).
func normalizeFindings(raw []analyzerRawFinding) []AnalyzerFinding {
	out := make([]AnalyzerFinding, 0, len(raw))
	for _, f := range raw {
		severity := normalizeSeverity(f.Severity)
		confidence := normalizeConfidence(f.Confidence)

		if confidence < 0.4 {
			continue
		}
		if severity == domain.SeverityInfo && confidence < 0.7 {
			continue
		}
		if strings.Contains(strings.ToLower(f.Path), "test") {
			continue
		}

		out = append(out, AnalyzerFinding{
			Path:       f.Path,
			Type:       f.Type,
			Severity:   severity,
			Confidence: confidence,
			Message:    f.Message,
			Line:       f.Line,
		})
	}
	return out
}

func normalizeSeverity(toolSeverity string) domain.Severity {
	switch strings.ToUpper(toolSeverity) {
	case "HIGH":
		return domain.SeverityCritical
	case "MEDIUM":
		return domain.SeverityHigh
	case "LOW":
		return domain.SeverityMedium
	case "INFORMATIONAL":
		return domain.SeverityInfo
	default:
		return domain.SeverityLow
	}
}

func normalizeConfidence(toolConfidence string) float64 {
	switch strings.ToLower(toolConfidence) {
	case "high":
		return 0.9
	case "medium":
		return 0.7
	case "low":
		return 0.5
	default:
		return 0.6
	}
}
