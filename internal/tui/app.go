package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/phasegate/internal/flowtype"
	"github.com/mpataki/phasegate/internal/models"
)

// Source is the read and control surface the TUI needs from the host.
type Source interface {
	ListFlows(limit int) ([]*models.Flow, error)
	GetFlow(id int64) (*models.Flow, error)
	GetDecisionsForFlow(flowID int64) ([]*models.DecisionRecord, error)
	CancelFlow(flowID int64) error
	DeleteFlow(flowID int64) error
}

type View int

const (
	ViewFlowList View = iota
	ViewFlowDetail
	ViewDecision
	ViewPhases
)

type App struct {
	source   Source
	registry *flowtype.Registry

	view                View
	flows               []*models.Flow
	selectedIdx         int
	selectedFlow        *models.Flow
	decisions           []*models.DecisionRecord
	selectedDecisionIdx int
	decisionView        viewport.Model

	width  int
	height int
	err    error
}

func NewApp(source Source, registry *flowtype.Registry) *App {
	return &App{
		source:       source,
		registry:     registry,
		view:         ViewFlowList,
		decisionView: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadFlows, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningFlows() bool {
	for _, flow := range a.flows {
		if flow.Status == models.FlowStatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.decisionView.Width = msg.Width
		a.decisionView.Height = max(msg.Height-4, 5)
		return a, nil

	case flowsLoadedMsg:
		a.flows = msg.flows
		a.err = msg.err
		if a.selectedIdx >= len(a.flows) {
			a.selectedIdx = max(len(a.flows)-1, 0)
		}
		return a, nil

	case tickMsg:
		// Only refresh while something is running
		if a.view == ViewFlowList && a.hasRunningFlows() {
			return a, tea.Batch(a.loadFlows, a.tickCmd())
		}
		return a, a.tickCmd()

	case flowDetailMsg:
		a.selectedFlow = msg.flow
		a.decisions = msg.decisions
		a.err = msg.err
		if a.err == nil {
			a.view = ViewFlowDetail
			a.selectedDecisionIdx = max(len(a.decisions)-1, 0)
		}
		return a, nil

	case flowCancelledMsg:
		a.err = msg.err
		return a, a.loadFlows

	case flowDeletedMsg:
		a.err = msg.err
		return a, a.loadFlows
	}

	if a.view == ViewDecision {
		var cmd tea.Cmd
		a.decisionView, cmd = a.decisionView.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewFlowList:
		return a.handleFlowListKey(msg)
	case ViewFlowDetail:
		return a.handleFlowDetailKey(msg)
	case ViewDecision:
		return a.handleDecisionKey(msg)
	case ViewPhases:
		return a.handlePhasesKey(msg)
	}
	return a, nil
}

func (a *App) handleFlowListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.flows)-1 {
			a.selectedIdx++
		}

	case "enter":
		if flow := a.currentFlow(); flow != nil {
			return a, a.loadFlowDetail(flow.ID)
		}

	case "p":
		a.view = ViewPhases

	case "r":
		return a, a.loadFlows

	case "c":
		if flow := a.currentFlow(); flow != nil {
			return a, a.cancelFlow(flow.ID)
		}

	case "d":
		if flow := a.currentFlow(); flow != nil {
			return a, a.deleteFlow(flow.ID)
		}
	}

	return a, nil
}

func (a *App) currentFlow() *models.Flow {
	if len(a.flows) == 0 || a.selectedIdx >= len(a.flows) {
		return nil
	}
	return a.flows[a.selectedIdx]
}

func (a *App) handleFlowDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewFlowList
		a.selectedFlow = nil
		a.decisions = nil
		a.selectedDecisionIdx = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedDecisionIdx > 0 {
			a.selectedDecisionIdx--
		}

	case "down", "j":
		if a.selectedDecisionIdx < len(a.decisions)-1 {
			a.selectedDecisionIdx++
		}

	case "enter":
		if len(a.decisions) > 0 && a.selectedDecisionIdx < len(a.decisions) {
			a.decisionView.SetContent(renderDecision(a.decisions[a.selectedDecisionIdx]))
			a.decisionView.GotoTop()
			a.view = ViewDecision
		}

	case "r":
		if a.selectedFlow != nil {
			return a, a.loadFlowDetail(a.selectedFlow.ID)
		}
	}

	return a, nil
}

func (a *App) handleDecisionKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewFlowDetail
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.decisionView, cmd = a.decisionView.Update(msg)
	return a, cmd
}

func (a *App) handlePhasesKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewFlowList

	case "ctrl+c":
		return a, tea.Quit
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewFlowList:
		return a.viewFlowList()
	case ViewFlowDetail:
		return a.viewFlowDetail()
	case ViewDecision:
		return a.viewDecision()
	case ViewPhases:
		return a.viewPhases()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPaused   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	// Decision action colors
	actionProceed = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))  // green
	actionPause   = lipgloss.NewStyle().Foreground(lipgloss.Color("208")) // orange
	actionRetry   = lipgloss.NewStyle().Foreground(lipgloss.Color("220")) // yellow
	actionFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewFlowList() string {
	s := titleStyle.Render("phasegate") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.flows) == 0 {
		s += "No flows yet. Start one with 'phasegate run'.\n"
	} else {
		s += "Recent Flows\n"
		s += "────────────\n"

		for i, flow := range a.flows {
			line := formatFlowLine(flow)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if flow.Status.Finished() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [p] phases  [c] cancel  [d] delete  [r] refresh  [q] quit")

	return s
}

func formatFlowLine(flow *models.Flow) string {
	status := formatStatus(flow.Status)
	age := formatAge(flow.CreatedAt)
	return fmt.Sprintf("#%-3d %-11s %-26s %s  %s", flow.ID, flow.FlowType, flow.CurrentPhase, status, age)
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatStatus(status models.FlowStatus) string {
	switch status {
	case models.FlowStatusRunning:
		return statusRunning.Render("● running")
	case models.FlowStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.FlowStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.FlowStatusPaused:
		return statusPaused.Render("‖ paused")
	case models.FlowStatusCancelled:
		return dimStyle.Render("- cancelled")
	default:
		return string(status)
	}
}

func formatAction(action models.Action) string {
	switch action {
	case models.ActionProceed, models.ActionSkip:
		return actionProceed.Render(string(action))
	case models.ActionPause:
		return actionPause.Render(string(action))
	case models.ActionRetry:
		return actionRetry.Render(string(action))
	case models.ActionFail:
		return actionFail.Render(string(action))
	default:
		return string(action)
	}
}

func (a *App) viewFlowDetail() string {
	if a.selectedFlow == nil {
		return "No flow selected"
	}

	flow := a.selectedFlow

	header := fmt.Sprintf("Flow #%d: %s", flow.ID, flow.FlowType)
	s := titleStyle.Render(header) + "  " + formatStatus(flow.Status) + "\n\n"

	s += labelStyle.Render("Phase:     ") + string(flow.CurrentPhase) + "\n"
	s += labelStyle.Render("Script:    ") + dimStyle.Render(flow.ScriptPath) + "\n"
	s += labelStyle.Render("Workspace: ") + dimStyle.Render(flow.WorkspacePath) + "\n"
	if flow.Error != "" {
		s += labelStyle.Render("Error:     ") + statusFailed.Render(flow.Error) + "\n"
	}
	s += "\n"

	s += "Decisions\n"
	s += "─────────\n"

	if len(a.decisions) == 0 {
		s += "(no decisions yet)\n"
	} else {
		for i, rec := range a.decisions {
			d := rec.Decision
			// "3. data_cleansing       pause    0.72  → data_cleansing"
			line := fmt.Sprintf("%d. %-26s %s  %.2f  → %s",
				rec.SequenceNum, rec.Phase, formatAction(d.Action), d.Confidence, d.NextPhase)
			if i == a.selectedDecisionIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] details  [r] refresh  [esc] back")

	return s
}

func (a *App) viewDecision() string {
	s := titleStyle.Render("Decision") + "\n\n"
	s += a.decisionView.View() + "\n"
	s += helpStyle.Render(fmt.Sprintf("%3.f%%  [↑/↓] scroll  [esc] back", a.decisionView.ScrollPercent()*100))
	return s
}

// renderDecision formats one journal entry for the detail viewport.
func renderDecision(rec *models.DecisionRecord) string {
	d := rec.Decision
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s → %s\n", rec.Phase, formatAction(d.Action), d.NextPhase)
	fmt.Fprintf(&b, "%s %.2f\n", labelStyle.Render("confidence:"), d.Confidence)
	fmt.Fprintf(&b, "%s %s\n\n", labelStyle.Render("decided:"), d.Timestamp.Local().Format(time.DateTime))
	b.WriteString(d.Reasoning + "\n")

	if len(d.Metadata) > 0 {
		b.WriteString("\n" + labelStyle.Render("Metadata") + "\n")
		b.WriteString(toYAML(d.Metadata))
	}
	if len(rec.Result) > 0 {
		b.WriteString("\n" + labelStyle.Render("Phase result") + "\n")
		b.WriteString(toYAML(map[string]any(rec.Result)))
	}
	return b.String()
}

func toYAML(v any) string {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v\n", v)
	}
	return string(data)
}

func (a *App) viewPhases() string {
	s := titleStyle.Render("Flow Types") + "\n\n"

	for _, ft := range a.registry.FlowTypes() {
		s += string(ft) + "\n"
		for i, p := range a.registry.Phases(ft) {
			s += fmt.Sprintf("  %d. %s\n", i+1, p)
		}
		s += "\n"
	}

	s += helpStyle.Render("[esc] back")

	return s
}

// Messages

type flowsLoadedMsg struct {
	flows []*models.Flow
	err   error
}

type flowDetailMsg struct {
	flow      *models.Flow
	decisions []*models.DecisionRecord
	err       error
}

type flowCancelledMsg struct {
	flowID int64
	err    error
}

type flowDeletedMsg struct {
	flowID int64
	err    error
}

// Commands

func (a *App) loadFlows() tea.Msg {
	flows, err := a.source.ListFlows(50)
	return flowsLoadedMsg{flows: flows, err: err}
}

func (a *App) loadFlowDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		flow, err := a.source.GetFlow(id)
		if err != nil {
			return flowDetailMsg{err: err}
		}

		decisions, err := a.source.GetDecisionsForFlow(id)
		return flowDetailMsg{flow: flow, decisions: decisions, err: err}
	}
}

func (a *App) cancelFlow(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.source.CancelFlow(id); err != nil {
			return flowCancelledMsg{err: err}
		}
		return flowCancelledMsg{flowID: id}
	}
}

func (a *App) deleteFlow(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.source.DeleteFlow(id); err != nil {
			return flowDeletedMsg{err: err}
		}
		return flowDeletedMsg{flowID: id}
	}
}
