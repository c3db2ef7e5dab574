package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/screenager/prox/internal/embed"
	"github.com/screenager/prox/internal/index"
	"github.com/screenager/prox/internal/tui"
	"github.com/screenager/prox/internal/watcher"
)

var (
	defaultModelDir = "./models"
	defaultOrtLib   = "./lib/onnxruntime.so"
	defaultThreads  = 0
	defaultMaxFile  = 512
)

func main() {
	root := &cobra.Command{
		Use:   "prox",
		Short: "In-memory semantic search over your files",
		Long:  "prox — offline semantic file search powered by BGE-small-en-v1.5 and an in-memory HNSW index.",
	}

	var cfg struct {
		ModelDir  string `toml:"model-dir"`
		OrtLib    string `toml:"ort-lib"`
		Threads   int    `toml:"threads"`
		MaxFileKB int    `toml:"max-file-kb"`
	}
	if b, err := os.ReadFile(".prox.toml"); err == nil {
		if err := toml.Unmarshal(b, &cfg); err == nil {
			if cfg.ModelDir != "" {
				defaultModelDir = cfg.ModelDir
			}
			if cfg.OrtLib != "" {
				defaultOrtLib = cfg.OrtLib
			}
			if cfg.Threads > 0 {
				defaultThreads = cfg.Threads
			}
			if cfg.MaxFileKB > 0 {
				defaultMaxFile = cfg.MaxFileKB
			}
		}
	}

	var modelDir string
	var ortLib string
	var numThreads int
	var maxFileKB int
	root.PersistentFlags().StringVar(&modelDir, "model-dir", defaultModelDir, "directory containing ONNX model files")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", defaultOrtLib, "path to onnxruntime.so (auto-detected if empty)")
	root.PersistentFlags().IntVar(&numThreads, "threads", defaultThreads, "ONNX intra-op thread count (0 = auto)")
	root.PersistentFlags().IntVar(&maxFileKB, "max-file-kb", defaultMaxFile, "skip files larger than this (in KB)")

	resolveOrtLib := func(flag string) string {
		if flag != "" {
			if _, err := os.Stat(flag); err == nil {
				abs, _ := filepath.Abs(flag)
				return abs
			}
		}
		if exe, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(exe), "lib", "onnxruntime.so")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return ""
	}

	// openIndex loads the model; the index itself starts empty every run
	// since nothing is persisted.
	openIndex := func() (*index.Index, error) {
		fmt.Fprint(os.Stderr, "Loading model… ")
		idx, err := index.New(modelDir, resolveOrtLib(ortLib), numThreads, maxFileKB)
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "ready.")
		return idx, nil
	}

	// buildIndex indexes the given directories, printing progress.
	buildIndex := func(ctx context.Context, idx *index.Index, dirs []string) error {
		prog := makeProgressPrinter()
		for _, dir := range dirs {
			fmt.Fprintf(os.Stderr, "Scanning %s…\n", dir)
			if err := idx.IndexDirWithProgress(ctx, dir, prog); err != nil {
				if isInterrupted(err) {
					fmt.Fprintln(os.Stderr, "\nInterrupted.")
					return err
				}
				return err
			}
		}
		s := idx.Stats()
		fmt.Fprintf(os.Stderr, "Indexed %d chunks from %d files (%d graph levels).\n",
			s.NumChunks, s.NumFiles, s.NumLevels)
		return nil
	}

	// ---- prox search <dir> <query...> --------------------------------------
	var jsonExport bool
	var topK int
	searchCmd := &cobra.Command{
		Use:   "search <dir> <query...>",
		Short: "Index a directory, run one query, and print the results",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			idx, err := openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := buildIndex(ctx, idx, args[:1]); err != nil {
				return err
			}

			query := strings.Join(args[1:], " ")
			results, err := idx.Search(query, topK)
			if err != nil {
				return err
			}
			if jsonExport {
				out := results
				if out == nil {
					out = []index.SearchResult{}
				}
				j, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			if len(results) == 0 {
				fmt.Println("no results")
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d  %.3f  %s:%d\n    %s\n\n",
					i+1, r.Score, r.Meta.Path, r.Meta.LineNum, firstLine(r.Meta.Text))
			}
			return nil
		},
	}
	searchCmd.Flags().BoolVar(&jsonExport, "json", false, "output results as JSON")
	searchCmd.Flags().IntVarP(&topK, "top", "k", 10, "number of results")
	root.AddCommand(searchCmd)

	// ---- prox tui <dir> [dir...] -------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "tui <dir> [dir...]",
		Short: "Index directories then launch the interactive search interface",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			idx, err := openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := buildIndex(ctx, idx, args); err != nil {
				return err
			}

			p := tea.NewProgram(tui.New(idx), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	})

	// ---- prox watch <dir> [dir...] -----------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Index directories then keep the index fresh as files change",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			idx, err := openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := buildIndex(ctx, idx, args); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Watching for changes… (Ctrl+C to stop)")

			w, err := watcher.New(idx)
			if err != nil {
				return err
			}
			for _, dir := range args {
				go func(d string) {
					if err := w.Watch(ctx, d); err != nil {
						fmt.Fprintf(os.Stderr, "watch %s: %v\n", d, err)
					}
				}(dir)
			}
			<-ctx.Done()
			return nil
		},
	})

	// ---- prox bench --------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "bench",
		Short: "Benchmark tokenizer and ONNX inference speed on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Loading model… ")
			e, err := embed.New(modelDir, resolveOrtLib(ortLib), numThreads)
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			cases := []struct {
				label string
				text  string
			}{
				{"short (9 words)  ", "the quick brown fox jumps over the lazy dog"},
				{"medium (50 words)", strings.Repeat("the quick brown fox jumps ", 10)},
				{"long (180 words) ", strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)},
			}

			fmt.Printf("\n%-20s  %10s  %10s  %10s\n", "text size", "tokenize", "inference", "total")
			fmt.Println(strings.Repeat("─", 55))
			for _, tc := range cases {
				tok, inf, tot, err := e.Benchmark(tc.text)
				if err != nil {
					return fmt.Errorf("bench %s: %w", tc.label, err)
				}
				fmt.Printf("%-20s  %10s  %10s  %10s\n", tc.label,
					tok.Round(time.Millisecond),
					inf.Round(time.Millisecond),
					tot.Round(time.Millisecond))
			}
			fmt.Printf("\nIf inference is slow, try --threads 1. Set PROX_DEBUG=1 for per-batch timing.\n")
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// isInterrupted reports whether err came from context cancellation.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// firstLine truncates a chunk preview to its first line for terminal output.
func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return text
}

// makeProgressPrinter returns a ProgressFunc printing a compact progress
// line; skipped files (mtime cache hits) show · instead of a percentage.
func makeProgressPrinter() index.ProgressFunc {
	return func(done, total int, path string, skipped bool) {
		short := filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path)
		switch {
		case skipped:
			fmt.Fprintf(os.Stderr, "\r  [%d/%d]  ·   %-50s", done, total, short)
		case done < total:
			fmt.Fprintf(os.Stderr, "\r  [%d/%d] %3d%%  %-50s", done, total, 100*done/total, short)
		default:
			fmt.Fprintf(os.Stderr, "\r  [%d/%d] 100%%  %-50s\n", done, total, short)
		}
	}
}
