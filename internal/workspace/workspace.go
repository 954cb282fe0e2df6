package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpataki/phasegate/internal/models"
)

// Workspace is a flow's directory on disk. The host keeps the flow state
// snapshot and every phase result here; operators answer a paused phase
// by dropping a JSON file into input/.
type Workspace struct {
	Path string
}

type FlowMetadata struct {
	FlowID       int64           `json:"flow_id"`
	FlowType     models.FlowType `json:"flow_type"`
	ScriptPath   string          `json:"script_path"`
	CurrentPhase models.Phase    `json:"current_phase"`
	Phases       []models.Phase  `json:"phases"`
}

func dirName(flowID int64) string {
	return fmt.Sprintf("flow-%d", flowID)
}

func Create(baseDir string, flowID int64) (*Workspace, error) {
	w := &Workspace{Path: filepath.Join(baseDir, dirName(flowID))}

	dirs := []string{
		w.Path,
		filepath.Join(w.Path, "results"),
		filepath.Join(w.Path, "input"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(filepath.Join(w.Path, "README.md"), []byte(readmeContent), 0644); err != nil {
		return nil, fmt.Errorf("failed to write README.md: %w", err)
	}

	return w, nil
}

func Open(baseDir string, flowID int64) (*Workspace, error) {
	path := filepath.Join(baseDir, dirName(flowID))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for flow %d does not exist", flowID)
	}

	return &Workspace{Path: path}, nil
}

func (w *Workspace) WriteFlowMetadata(meta *FlowMetadata) error {
	return w.writeJSON(filepath.Join(w.Path, "flow.json"), meta)
}

// ReadState loads the flow state snapshot. A missing snapshot is an empty
// state.
func (w *Workspace) ReadState() (map[string]any, error) {
	st := map[string]any{}
	data, err := os.ReadFile(filepath.Join(w.Path, "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("failed to read state.json: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state.json: %w", err)
	}
	return st, nil
}

func (w *Workspace) WriteState(st map[string]any) error {
	return w.writeJSON(filepath.Join(w.Path, "state.json"), st)
}

func (w *Workspace) WriteResult(phase models.Phase, result models.PhaseResult) error {
	return w.writeJSON(filepath.Join(w.Path, "results", string(phase)+".json"), result)
}

func (w *Workspace) ReadResult(phase models.Phase) (models.PhaseResult, error) {
	var result models.PhaseResult
	data, err := os.ReadFile(filepath.Join(w.Path, "results", string(phase)+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no result recorded for phase %s", phase)
		}
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse result JSON: %w", err)
	}
	return result, nil
}

func (w *Workspace) InputPath(phase models.Phase) string {
	return filepath.Join(w.Path, "input", string(phase)+".json")
}

// ConsumeInput returns the operator's input for phase and marks it applied
// so it is merged only once. ok is false when there is no pending input.
func (w *Workspace) ConsumeInput(phase models.Phase) (input map[string]any, ok bool, err error) {
	path := w.InputPath(phase)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read input file: %w", err)
	}

	if err := json.Unmarshal(data, &input); err != nil {
		return nil, false, fmt.Errorf("failed to parse input for %s: %w", phase, err)
	}

	applied := strings.TrimSuffix(path, ".json") + fmt.Sprintf(".applied-%d.json", time.Now().UnixNano())
	if err := os.Rename(path, applied); err != nil {
		return nil, false, fmt.Errorf("failed to mark input applied: %w", err)
	}
	return input, true, nil
}

// AppendDecision adds a human-readable entry to decisions.md.
func (w *Workspace) AppendDecision(seq int, phase models.Phase, d models.Decision) error {
	f, err := os.OpenFile(filepath.Join(w.Path, "decisions.md"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open decisions.md: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "## %03d %s: %s %s\n\n%s\n\n", seq, phase, d.Action, d.NextPhase, d.Reasoning)
	for _, key := range []string{"user_action", "missing_fields", "threshold"} {
		if v, ok := d.Metadata[key]; ok {
			fmt.Fprintf(&b, "- %s: %v\n", key, v)
		}
	}
	fmt.Fprintf(&b, "- confidence: %.2f\n- at: %s\n\n", d.Confidence, d.Timestamp.Format(time.RFC3339))
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return nil
}

func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Path)
}

func (w *Workspace) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

const readmeContent = `# Flow Workspace

This directory belongs to one phasegate flow.

- ` + "`" + `flow.json` + "`" + ` flow type, script and phase sequence
- ` + "`" + `state.json` + "`" + ` the flow state the decision engine reads
- ` + "`" + `results/{phase}.json` + "`" + ` what each phase produced
- ` + "`" + `decisions.md` + "`" + ` every decision, newest last

## Answering a Paused Flow

When a flow pauses, read the last entry in decisions.md. Its metadata names
what is missing (for example ` + "`" + `missing_fields` + "`" + `).

Write the corrections to ` + "`" + `input/{phase}.json` + "`" + ` as a JSON object.
Its keys are merged into state.json when you run:

` + "```" + `
phasegate resume {flow-id}
` + "```" + `

Example for a field_mapping pause:
` + "```" + `json
{"field_mappings": {"hostname": "host_name", "owner": "application_owner"}}
` + "```" + `
`
