// Command retestrunner-worker is the subprocess spawned by the
// coordinator for each worker slot (spec §4.1). It dials back the Unix
// socket named on its command line and runs the EVAL/EVAL_CODE/PROFILE
// loop until the coordinator closes the connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jpequegn/retestrunner/internal/hostrunner"
	"github.com/jpequegn/retestrunner/internal/workerproc"
)

func main() {
	socketPath := flag.String("socket", "", "path to the coordinator's Unix domain socket")
	logDir := flag.String("logdir", ".", "directory for per-item and per-setup log files")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *socketPath == "" {
		log.Error("missing required -socket flag")
		os.Exit(2)
	}

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		log.Error("dial coordinator socket", "path", *socketPath, "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := workerproc.NewLoop(conn, hostrunner.ShellEvaluator{}, *logDir, log)
	if err := loop.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "retestrunner-worker: connection closed:", err)
	}
}
