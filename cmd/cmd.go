// Package cmd wires the command-line interface: a cobra root with serve and
// version subcommands.
package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/skein-ai/skein/chat"
	"github.com/skein-ai/skein/envconfig"
	"github.com/skein-ai/skein/format"
	"github.com/skein-ai/skein/llm"
	"github.com/skein-ai/skein/logutil"
	"github.com/skein-ai/skein/runner/slotrunner"
	"github.com/skein-ai/skein/server"
	"github.com/skein-ai/skein/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skein",
		Short: "Local inference-serving runtime",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the inference server",
		RunE:    serveHandler,
	}
	serveCmd.Flags().String("addr", envconfig.Host().Host, "Address to listen on")
	serveCmd.Flags().String("backend", "sim", "Evaluator backend (sim)")
	serveCmd.Flags().Int("parallel", int(envconfig.Parallel()), "Number of generation slots")
	serveCmd.Flags().Int("batch", int(envconfig.BatchSize()), "Max tokens per evaluation batch")
	serveCmd.Flags().Int("kv-size", int(envconfig.KvSize()), "Total context cells shared across slots")
	serveCmd.Flags().String("state-dir", "", "Directory for slot save/restore state (empty disables)")
	serveCmd.Flags().Bool("no-defer", envconfig.NoDefer(), "Reject requests when no slot is free instead of queueing")
	serveCmd.Flags().String("chat-templates", "", "JSON file of chat templates (empty uses the builtin set)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "skein version", version.Version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	return rootCmd
}

func serveHandler(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	backend, _ := cmd.Flags().GetString("backend")
	parallel, _ := cmd.Flags().GetInt("parallel")
	batch, _ := cmd.Flags().GetInt("batch")
	kvSize, _ := cmd.Flags().GetInt("kv-size")
	stateDir, _ := cmd.Flags().GetString("state-dir")
	noDefer, _ := cmd.Flags().GetBool("no-defer")
	templatesFile, _ := cmd.Flags().GetString("chat-templates")

	var eval llm.Evaluator
	var tok llm.Tokenizer
	switch backend {
	case "sim":
		eval = llm.NewSimBackend()
		tok = llm.SimTokenizer{}
	default:
		return fmt.Errorf("unknown backend %q", backend)
	}

	templates := chat.Builtin()
	if templatesFile != "" {
		var err error
		if templates, err = chat.LoadFile(templatesFile); err != nil {
			return err
		}
	}

	sched := slotrunner.NewScheduler(eval, tok, slotrunner.Options{
		Parallel:  parallel,
		BatchSize: batch,
		KvSize:    kvSize,
		NoDefer:   noDefer,
		StateDir:  stateDir,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Run(cmd.Context())
	}()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	slog.Info("starting server", "addr", addr, "backend", backend,
		"parallel", parallel, "batch", batch,
		"kv_size", format.HumanNumber(uint64(kvSize)))

	go func() {
		<-cmd.Context().Done()
		ln.Close()
	}()

	srv := server.NewServer(sched, tok, templates, parallel)
	if err := srv.Serve(ln); err != nil {
		if cmd.Context().Err() != nil {
			// shutdown via context cancellation, wait for the scheduler
			<-errCh
			return nil
		}
		return err
	}
	return nil
}
