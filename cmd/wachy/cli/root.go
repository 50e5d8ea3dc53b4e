// Package cli implements the wachy command-line interface using Cobra: a
// binary path and an initial function query, with verbose stderr
// diagnostics enabled by -v/--verbose and a log file controlled by WACHY_LOG.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wachy-project/wachy/internal/controller"
	"github.com/wachy-project/wachy/internal/program"
	"github.com/wachy-project/wachy/internal/tracer"
	"github.com/wachy-project/wachy/internal/view"
	"github.com/wachy-project/wachy/internal/werr"
	"github.com/wachy-project/wachy/internal/wlog"
)

var verbose bool

const keyBindingsHelp = `Key bindings:
  l       toggle a per-line trace on the call site under the cursor
  i       attach an inline trace (for a callee the compiler inlined away)
  enter   push into the call site under the cursor
  p       push an arbitrary symbol chosen by fuzzy search
  backspace   pop the current frame
  r       restart the trace (reset cumulative counters)
  e       set the top frame's entry filter
  x       set the top frame's exit filter
  q       quit
`

var rootCmd = &cobra.Command{
	Use:   "wachy <binary-path> <function-query>",
	Short: "Interactive userspace performance-tracing profiler",
	Long: `wachy attaches dynamic uprobes to an unmodified compiled binary to
measure wall-clock latency and invocation frequency of a function and its
call sites, aggregated live. Unlike sampling profilers it reports on-CPU
and off-CPU time, and supports drilling into nested call chains.`,
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging to stderr")
	rootCmd.SetHelpTemplate(rootCmd.HelpTemplate() + "\n" + keyBindingsHelp)
}

// Execute runs the root command and returns its exit code: 0 on normal UI
// exit, non-zero on init failure.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func run(cmd *cobra.Command, args []string) error {
	closer, err := wlog.Init(wlog.Options{
		Verbose:   verbose,
		FileLevel: wlog.ParseLevel(os.Getenv("WACHY_LOG")),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "wachy: failed to initialize logging: %v\n", err)
	}
	if closer != nil {
		defer closer()
	}

	binaryPath, query := args[0], args[1]

	prog, err := program.Open(binaryPath)
	if err != nil {
		view.Error("wachy: %v", err)
		return err
	}
	defer prog.Close()

	fn, err := prog.RequireSingle(query)
	if err != nil {
		view.Error("wachy: %v", err)
		return err
	}

	tr := tracer.New(tracer.Config{EnginePath: engineBinary()})
	ctl := controller.New(prog, binaryPath, tr)

	if err := ctl.Start("=" + fn.Name); err != nil {
		if se, ok := asSpawnOrExit(err); ok {
			view.Error("wachy: %v", se)
		} else {
			view.Error("wachy: %v", err)
		}
		return err
	}

	// The interactive full-screen event loop and its key-binding dispatch
	// are an external collaborator: this command
	// wires Program/Controller/Tracer together and leaves rendering to that
	// widget library. Closing ctl's tracer happens on process exit via OS
	// process-group teardown when the outer UI loop returns.
	return nil
}

func asSpawnOrExit(err error) (error, bool) {
	var spawnErr *werr.TracerSpawnError
	if errors.As(err, &spawnErr) {
		return spawnErr, true
	}
	var exitErr *werr.TracerExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}
	return nil, false
}

func engineBinary() string {
	if p := os.Getenv("WACHY_ENGINE"); p != "" {
		return p
	}
	return "bpftrace"
}
