package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/splax/bluegreen/internal/domain"
	"github.com/splax/bluegreen/internal/progress"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	labelStyle   = lipgloss.NewStyle().Foreground(dim)
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

func successMsg(format string, a ...any) string {
	return successStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func warnMsg(format string, a ...any) string {
	return warnStyle.Render("!") + " " + fmt.Sprintf(format, a...)
}

func errorMsg(format string, a ...any) string {
	return errorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func infoMsg(format string, a ...any) string {
	return accentStyle.Render("●") + " " + fmt.Sprintf(format, a...)
}

type pair struct {
	key   string
	value string
}

func kv(key, value string) pair {
	return pair{key: key, value: value}
}

// keyValues renders aligned "key:  value" lines.
func keyValues(indent string, pairs ...pair) string {
	maxLen := 0
	for _, p := range pairs {
		if len(p.key) > maxLen {
			maxLen = len(p.key)
		}
	}
	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.key+":")
		sb.WriteString(indent + labelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

// renderTable renders a styled table with rounded borders.
func renderTable(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	oddStyle := cellStyle.Foreground(dim)
	evenStyle := cellStyle

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return evenStyle
			default:
				return oddStyle
			}
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}

// stageStyle colours a stage label by outcome.
func stageStyle(stage string) string {
	switch stage {
	case domain.StageCompleted:
		return successStyle.Render(stage)
	case domain.StageFailed:
		return errorStyle.Render(stage)
	case domain.StageIdle:
		return mutedStyle.Render(stage)
	default:
		return accentStyle.Render(stage)
	}
}

func eventStyle(t domain.EventType) string {
	label := fmt.Sprintf("%-7s", t)
	switch t {
	case domain.EventSuccess:
		return successStyle.Render(label)
	case domain.EventFail, domain.EventError:
		return errorStyle.Render(label)
	case domain.EventStage:
		return accentStyle.Render(label)
	default:
		return mutedStyle.Render(label)
	}
}

// eventLine formats one history entry.
func eventLine(ev domain.DeploymentEvent) string {
	ts := ev.Timestamp
	if parsed, err := time.Parse(domain.TimestampLayout, ev.Timestamp); err == nil {
		ts = parsed.Local().Format("15:04:05")
	}
	return fmt.Sprintf("%s  %s  %s", mutedStyle.Render(ts), eventStyle(ev.Type), ev.Message)
}

// progressPrinter writes the part of each aggregate not yet shown.
type progressPrinter struct {
	mu           sync.Mutex
	out          io.Writer
	deploymentID string
	printed      int
	stage        string
	connected    bool
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

func (pp *progressPrinter) update(p progress.Progress) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if p.DeploymentID != pp.deploymentID {
		pp.deploymentID = p.DeploymentID
		pp.printed = 0
		pp.stage = ""
		pp.connected = false
	}
	if p.DeploymentID == "" {
		return
	}
	if pp.connected && !p.IsConnected && !p.IsComplete {
		fmt.Fprintln(pp.out, warnMsg("stream interrupted, reconnecting"))
	}
	pp.connected = p.IsConnected
	for _, ev := range p.Events[min(pp.printed, len(p.Events)):] {
		fmt.Fprintln(pp.out, eventLine(ev))
	}
	pp.printed = len(p.Events)
	if p.CurrentStage != pp.stage {
		pp.stage = p.CurrentStage
		fmt.Fprintln(pp.out, infoMsg("stage %s", stageStyle(p.CurrentStage)))
	}
}

// summary renders the final state of a watched deployment.
func summary(p progress.Progress) string {
	outcome := successMsg("deployment %s completed", boldStyle.Render(p.DeploymentID))
	switch {
	case p.HasError && p.IsComplete:
		outcome = errorMsg("deployment %s failed at %s", boldStyle.Render(p.DeploymentID), stageStyle(p.CurrentStage))
	case !p.IsComplete:
		outcome = warnMsg("deployment %s still running at %s", boldStyle.Render(p.DeploymentID), stageStyle(p.CurrentStage))
	}
	return outcome
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func floatOrDash(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}
