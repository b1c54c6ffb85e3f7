package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/remapper/internal/workerspool"
	"github.com/gomlx/remapper/pkg/core/graph"
	"github.com/gomlx/remapper/pkg/core/graph/graphtest"
	"github.com/gomlx/remapper/pkg/core/graph/graphyaml"
	"github.com/gomlx/remapper/pkg/fusion/remapper"
	"github.com/gomlx/remapper/pkg/support/fsutil"
	"github.com/gomlx/remapper/pkg/support/xslices"
)

type options struct {
	outDir       string
	verify       bool
	seed         uint64
	parallelism  int
	showProgress bool
}

// result of optimizing one graph file.
type result struct {
	path                    string
	graphName               string
	nodesBefore, nodesAfter int
	stats                   remapper.Stats
	written                 string
	bytesWritten            int
	err                     error
}

// optimizeFiles optimizes each file independently, in parallel. The results are in the same order as paths.
func optimizeFiles(pass *remapper.Pass, paths []string, opts options) []*result {
	results := make([]*result, len(paths))
	var bar *progressbar.ProgressBar
	if opts.showProgress {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Optimizing: "),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("graphs"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionClearOnFinish())
	}
	pool := workerspool.New()
	if opts.parallelism != 0 {
		pool.SetMaxParallelism(opts.parallelism)
	}
	pool.Map(len(paths), func(i int) {
		results[i] = optimizeFile(pass, paths[i], opts)
		if bar != nil {
			_ = bar.Add(1)
		}
	})
	if bar != nil {
		_ = bar.Finish()
	}
	return results
}

func optimizeFile(pass *remapper.Pass, path string, opts options) *result {
	r := &result{path: path}
	r.err = r.optimize(pass, opts)
	if r.err != nil {
		klog.Errorf("%s: %+v", path, r.err)
	}
	return r
}

func (r *result) optimize(pass *remapper.Pass, opts options) error {
	path, err := fsutil.ReplaceTildeInDir(r.path)
	if err != nil {
		return err
	}
	g, err := graphyaml.LoadFile(path)
	if err != nil {
		return err
	}
	r.graphName = g.Name()
	r.nodesBefore = g.NumNodes()
	var original *graph.Graph
	if opts.verify {
		original = g.Clone()
	}
	if r.stats, err = pass.Run(g); err != nil {
		return err
	}
	r.nodesAfter = g.NumNodes()
	if opts.verify {
		if err = graphtest.CheckEquivalent(original, g, opts.seed); err != nil {
			return errors.WithMessage(err, "optimized graph is not equivalent to the original")
		}
	}
	if opts.outDir == "" {
		return nil
	}
	outDir, err := fsutil.ReplaceTildeInDir(opts.outDir)
	if err != nil {
		return err
	}
	outPath := filepath.Join(outDir, filepath.Base(path))
	if same, _ := sameFile(path, outPath); same {
		return errors.Errorf("output %q would overwrite the input graph", outPath)
	}
	data, err := graphyaml.Marshal(g)
	if err != nil {
		return err
	}
	if err = fsutil.WriteFileAtomic(outPath, data); err != nil {
		return err
	}
	r.written = outPath
	r.bytesWritten = len(data)
	return nil
}

func sameFile(path1, path2 string) (bool, error) {
	exists, err := fsutil.FileExists(path2)
	if err != nil || !exists {
		return false, err
	}
	info1, err := os.Stat(path1)
	if err != nil {
		return false, err
	}
	info2, err := os.Stat(path2)
	if err != nil {
		return false, err
	}
	return os.SameFile(info1, info2), nil
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// newTable returns a table where rows listed in reds (counted from 0, excluding the header) are highlighted.
func newTable(reds map[int]bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// renderReport returns a table with one row per graph file, followed by a summary.
func renderReport(cfg remapper.Config, results []*result) string {
	reds := make(map[int]bool)
	table := newTable(reds, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right,
		lipgloss.Right, lipgloss.Left)
	table.Headers("File", "Graph", "Nodes", "Fused", "Folded", "Native", "Patterns / Error")
	var numFailed, removed, written int
	for ii, r := range results {
		if r.err != nil {
			reds[ii] = true
			numFailed++
			table.Row(r.path, r.graphName, humanize.Comma(int64(r.nodesBefore)), "-", "-", "-", firstLine(r.err))
			continue
		}
		removed += r.nodesBefore - r.nodesAfter
		written += r.bytesWritten
		patterns := xslices.Map(xslices.SortedKeys(r.stats.ByPattern), func(id string) string {
			return fmt.Sprintf("%s×%d", id, r.stats.ByPattern[id])
		})
		table.Row(r.path, r.graphName,
			fmt.Sprintf("%s → %s", humanize.Comma(int64(r.nodesBefore)), humanize.Comma(int64(r.nodesAfter))),
			humanize.Comma(int64(r.stats.FusedNodes)), humanize.Comma(int64(r.stats.Folds)),
			humanize.Comma(int64(r.stats.LayoutRewrites)), strings.Join(patterns, "\n"))
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Remapper for %s (fusions=%v, layout=%v, level=%s)",
		strings.ToUpper(cfg.Device.String()), cfg.Enabled, cfg.LayoutEnabled, cfg.Level)))
	sb.WriteString("\n")
	sb.WriteString(table.Render())
	sb.WriteString("\n")
	summary := fmt.Sprintf("%s graphs optimized, %s failed, %s nodes removed",
		humanize.Comma(int64(len(results)-numFailed)), humanize.Comma(int64(numFailed)), humanize.Comma(int64(removed)))
	if written > 0 {
		summary += fmt.Sprintf(", %s written", humanize.Bytes(uint64(written)))
	}
	sb.WriteString(summary)
	return sb.String()
}

func firstLine(err error) string {
	msg, _, _ := strings.Cut(err.Error(), "\n")
	return msg
}
