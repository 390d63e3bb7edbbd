// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "infill.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// progressBar holds a progressbar being displayed.
type progressBar[B any] struct {
	lastStepReported int
	bar              *progressbar.ProgressBar

	// plain is set when stdout is not a terminal: progress is logged instead.
	plain bool

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and metrics.
//
// If stdout is not a terminal, progress is logged with klog every RefreshPeriod instead.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar[B any](loop *train.Loop[B], extraMetrics ...ExtraMetricFn) {
	output := termenv.NewOutput(os.Stdout)
	pBar := &progressBar[B]{
		plain:          output.Profile == termenv.Ascii,
		termenv:        output,
		extraMetricFns: extraMetrics,
	}
	if pBar.plain {
		train.PeriodicCallback(loop, RefreshPeriod, true, ProgressBarName, 0, pBar.logStep)
		return
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during the loop or at least every 3 seconds.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// stepsString returns the current step and the end step, if known.
func stepsString[B any](loop *train.Loop[B]) string {
	if loop.EndStep < 0 {
		return humanize.Comma(int64(loop.LoopStep))
	}
	return fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep)), humanize.Comma(int64(loop.EndStep)))
}

// statsRows returns the rows of the stats table.
func (pBar *progressBar[B]) statsRows(loop *train.Loop[B]) [][2]string {
	rows := [][2]string{
		{"Step", stepsString(loop)},
		{"Learning rate", fmt.Sprintf("%.3g", loop.LearningRate)},
		{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
	}
	for _, metric := range loop.TrainMetrics {
		rows = append(rows, [2]string{metric.Name(), metric.PrettyPrint()})
	}
	if loss, found := loop.LastEval.EvalLoss(); found {
		rows = append(rows, [2]string{"Last eval loss", fmt.Sprintf("%.4f", loss)})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	return rows
}

func (pBar *progressBar[B]) logStep(loop *train.Loop[B], _ float64) error {
	rows := pBar.statsRows(loop)
	var line string
	for _, row := range rows {
		line += fmt.Sprintf(" [%s=%s]", row[0], row[1])
	}
	klog.Infof("Training:%s", line)
	return nil
}

func (pBar *progressBar[B]) onStart(loop *train.Loop[B], _ train.Dataset[B]) error {
	pBar.lastStepReported = loop.LoopStep
	numSteps := 1000 // Guess, if the end step is not known.
	if loop.EndStep >= 0 {
		numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.numLinesPrinted = 0
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

// drawUpdates asynchronously, so training is not slowed down by a slow terminal.
func (pBar *progressBar[B]) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		pBar.termenv.HideCursor()
		if pBar.numLinesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		fmt.Println(rendered)
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.numLinesPrinted = lipgloss.Height(rendered) + 1
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar[B]) onStep(loop *train.Loop[B], _ float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	pBar.updates <- progressBarUpdate{amount: amount, rows: pBar.statsRows(loop)}
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar[B]) onEnd(_ *train.Loop[B], _ float64) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
	return nil
}
