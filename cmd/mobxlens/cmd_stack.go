package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mobxlens/cmd/mobxlens/ui"
	"mobxlens/internal/stacktrace"
)

var (
	stackOrigin    string
	stackRoot      string
	stackFrame     int
	stackTranslate bool
	stackStyle     string
)

// stackCmd works with captured stack traces
var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Resolve captured stack traces to source",
}

var stackResolveCmd = &cobra.Command{
	Use:   "resolve [file|action-id]",
	Short: "Fetch the source around each frame of a stack",
	Long: `Reads a stack trace from a file, from a recorded action (by id) or from
stdin, and prints every frame with a window of its source fetched from the
page's origin.

Examples:
  mobxlens stack resolve --origin http://localhost:3000 < stack.txt
  mobxlens stack resolve 1700000000000-3 --origin http://localhost:3000 --frame 0`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStackResolve,
}

func init() {
	stackResolveCmd.Flags().StringVar(&stackOrigin, "origin", "", "Page origin relative frame paths resolve against")
	stackResolveCmd.Flags().StringVar(&stackRoot, "source-root", "", "Prefix for bare relative paths (default from config)")
	stackResolveCmd.Flags().IntVar(&stackFrame, "frame", -1, "Resolve only this frame index")
	stackResolveCmd.Flags().BoolVar(&stackTranslate, "source-maps", false, "Map bundled frames through source maps first")
	stackResolveCmd.Flags().StringVar(&stackStyle, "style", "auto", "Markdown style: auto, dark, light, notty")

	stackCmd.AddCommand(stackResolveCmd)
}

// readStack loads the stack text named by args: a file, a recorded action
// id, or stdin when empty.
func readStack(ctx context.Context, cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	if b, err := os.ReadFile(args[0]); err == nil {
		return string(b), nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	store, err := openHistory()
	if err != nil {
		return "", fmt.Errorf("%s is neither a file nor a recorded action: %w", args[0], err)
	}
	defer store.Close()
	rec, err := store.Get(ctx, args[0])
	if err != nil {
		return "", err
	}
	return rec.StackTrace, nil
}

func runStackResolve(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	stack, err := readStack(ctx, cmd, args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(stack) == "" {
		return fmt.Errorf("empty stack trace")
	}

	root := stackRoot
	if root == "" {
		root = cfg.Source.Root
	}
	cache := stacktrace.NewSourceCache(nil, cfg.GetSourceTimeout())
	resolver := stacktrace.NewResolver(stackOrigin, cache,
		stacktrace.WithSourceRoot(root),
		stacktrace.WithParallelism(cfg.Source.Parallelism),
	)

	if stackTranslate {
		translated, err := stacktrace.NewSourceMapTranslator(cache).Translate(ctx, stack)
		if err != nil {
			logger.Warn("Source map translation failed", zap.Error(err))
		} else {
			stack = translated
		}
	}

	var frames []stacktrace.FrameSource
	if stackFrame >= 0 {
		fs, err := resolver.ResolveFrame(ctx, stack, stackFrame)
		if err != nil {
			return err
		}
		frames = []stacktrace.FrameSource{fs}
	} else {
		frames, err = resolver.ResolveAll(ctx, stack)
		if err != nil {
			return err
		}
	}
	logger.Debug("Resolved stack", zap.Int("frames", len(frames)), zap.Int("cached", cache.Len()))

	out := cmd.OutOrStdout()
	if jsonOutput {
		if frames == nil {
			frames = []stacktrace.FrameSource{}
		}
		return writeJSON(out, frames)
	}
	fmt.Fprint(out, ui.Render(ui.StackMarkdown(frames), markdownStyle(stackStyle), 100))
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
