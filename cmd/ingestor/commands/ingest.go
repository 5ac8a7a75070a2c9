package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ingestor/internal/batch"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
)

type ingestOptions struct {
	priority        string
	notebooks       []string
	transformations []string
	embed           bool
	interval        time.Duration
	archive         string
}

func newIngestCommand(a *app) *cobra.Command {
	opts := ingestOptions{}
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Run one batch of local files in-process and follow its progress",
		Example: `  ingestor ingest report.pdf notes.md --priority high
  ingestor ingest *.txt --notebook nb-1 --store.driver memory`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var embed *bool
			if cmd.Flags().Changed("embed") {
				embed = &opts.embed
			}
			return ingest(cmd.Context(), a, cmd.OutOrStdout(), args, opts, embed)
		},
	}
	cmd.Flags().StringVar(&opts.priority, "priority", string(batch.PriorityNormal), "batch priority (low, normal, high, urgent)")
	cmd.Flags().StringSliceVar(&opts.notebooks, "notebook", nil, "notebook id to attach processed files to (repeatable)")
	cmd.Flags().StringSliceVar(&opts.transformations, "transformation", nil, "transformation for the processor to apply (repeatable)")
	cmd.Flags().BoolVar(&opts.embed, "embed", true, "ask the processor to embed extracted content")
	cmd.Flags().DurationVar(&opts.interval, "interval", 200*time.Millisecond, "progress polling interval")
	cmd.Flags().StringVar(&opts.archive, "archive", "", "write a zip of the processed files to this path")
	return cmd
}

func ingest(ctx context.Context, a *app, out io.Writer, paths []string, opts ingestOptions, embed *bool) error {
	priority, err := batch.ParsePriority(opts.priority)
	if err != nil {
		return err
	}
	sources, err := localSources(paths)
	if err != nil {
		return err
	}

	manager, err := buildManager(ctx, a.cfg)
	if err != nil {
		return err
	}
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	manager.Start(runCtx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		manager.Shutdown(shutdownCtx)
	}()

	created, err := manager.Init(batch.InitRequest{
		Files:           sources,
		NotebookIDs:     opts.notebooks,
		Priority:        priority,
		Embed:           embed,
		Transformations: opts.transformations,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render("batch "+created.ID), subtleStyle.Render(fmt.Sprintf(
		"%d files, %.2f MiB, estimated %.0fs", created.TotalFiles, float64(created.TotalSize)/(1<<20), created.EstimatedDuration)))

	sigCtx, cancelSig := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancelSig()

	final, err := follow(sigCtx, manager, created.ID, out, opts.interval)
	if err != nil {
		return err
	}
	renderFiles(out, final)
	if opts.archive != "" && final.ProcessedFiles > 0 {
		results, err := manager.ExportFile(ctx, final.ID, opts.archive)
		if err != nil {
			return fmt.Errorf("write archive: %w", err)
		}
		fmt.Fprintln(out, subtleStyle.Render(fmt.Sprintf("archive %s: %d entries", opts.archive, len(results))))
	}
	if final.Status != batch.StatusCompleted {
		return fmt.Errorf("batch %s finished %s", final.ID, final.Status)
	}
	return nil
}

// follow prints a line whenever the snapshot changes and returns the terminal
// snapshot. An interrupt cancels the batch and keeps following until it settles.
func follow(ctx context.Context, m *batch.Manager, id string, out io.Writer, interval time.Duration) (*batch.Batch, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last string
	interrupted := ctx.Done()
	for {
		snap, err := m.Status(id)
		if err != nil {
			return nil, err
		}
		if line := progressLine(snap); line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-interrupted:
			interrupted = nil
			if _, msg, err := m.Control(id, string(batch.ActionCancel)); err != nil {
				log.Warn().Str("batch_id", id).Err(err).Msg("cancel on interrupt failed")
			} else {
				fmt.Fprintln(out, warnStyle.Render(msg))
			}
		case <-ticker.C:
		}
	}
}

func progressLine(b *batch.Batch) string {
	line := fmt.Sprintf("%-12s %6.1f%%  %d/%d processed", b.Status, b.ProgressPercentage, b.ProcessedFiles, b.TotalFiles)
	if b.FailedFiles > 0 {
		line += fmt.Sprintf(", %d failed", b.FailedFiles)
	}
	if b.SkippedFiles > 0 {
		line += fmt.Sprintf(", %d skipped", b.SkippedFiles)
	}
	if b.EstimatedTimeRemaining != nil && !b.Status.Terminal() {
		line += subtleStyle.Render(fmt.Sprintf("  ~%.0fs left", *b.EstimatedTimeRemaining))
	}
	return styleForStatus(string(b.Status)).Render(line)
}

func renderFiles(out io.Writer, b *batch.Batch) {
	for _, f := range b.Files {
		row := fmt.Sprintf("  %-10s %s", f.Status, f.OriginalFilename)
		if f.ErrorMessage != "" {
			row += subtleStyle.Render("  " + f.ErrorMessage)
		}
		fmt.Fprintln(out, styleForStatus(string(f.Status)).Render(row))
	}
	if len(b.ErrorSummary) > 0 {
		parts := make([]string, 0, len(b.ErrorSummary))
		for k, v := range b.ErrorSummary {
			parts = append(parts, fmt.Sprintf("%s=%d", k, v))
		}
		fmt.Fprintln(out, subtleStyle.Render("errors: "+strings.Join(parts, " ")))
	}
}

func styleForStatus(status string) lipgloss.Style {
	switch status {
	case "completed":
		return successStyle
	case "failed":
		return errorStyle
	case "cancelled", "skipped", "paused", "retrying":
		return warnStyle
	default:
		return infoStyle
	}
}

func localSources(paths []string) ([]batch.Source, error) {
	sources := make([]batch.Source, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		sources = append(sources, batch.Source{Filename: filepath.Base(abs), Size: info.Size(), Path: abs})
	}
	return sources, nil
}
