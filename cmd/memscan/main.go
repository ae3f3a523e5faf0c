package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose  bool
	output   string
	textfile string
	scan     struct {
		pids []int
		all  bool
	}
	capture struct {
		pid int
		dir string
	}
	inspect struct {
		dir string
	}
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = withOutput(ctx, os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Reconstructs the memory entities of processes and reports signs of tampering.").UsageWriter(os.Stdout)
	app.Version(version.Print("memscan"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("output", "How to print results: table or json.").Short('o').Default("table").EnumVar(&cfg.output, "table", "json")
	app.Flag("metrics.textfile", "Write scan metrics to this file in the Prometheus text format.").StringVar(&cfg.textfile)

	var scanCfg Config
	configFlags := registerConfigFlags(app, &scanCfg)

	scanCmd := app.Command("scan", "Scan live processes.")
	scanCmd.Flag("pid", "Process to scan. Repeat for several processes.").Short('p').IntsVar(&cfg.scan.pids)
	scanCmd.Flag("all", "Print every entity, not only the flagged ones.").BoolVar(&cfg.scan.all)

	captureCmd := app.Command("capture", "Capture the memory of a live process into a snapshot directory.")
	captureCmd.Flag("pid", "Process to capture.").Short('p').Required().IntVar(&cfg.capture.pid)
	captureCmd.Arg("dir", "Snapshot directory to create.").Required().StringVar(&cfg.capture.dir)

	inspectCmd := app.Command("inspect", "Scan a captured snapshot.")
	inspectCmd.Arg("dir", "Snapshot directory.").Required().ExistingDirVar(&cfg.inspect.dir)
	inspectCmd.Flag("all", "Print every entity, not only the flagged ones.").BoolVar(&cfg.scan.all)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	if err := configFlags.load(); err != nil {
		os.Exit(checkError(err))
	}

	switch parsedCmd {
	case scanCmd.FullCommand():
		if err := scanProcesses(ctx, scanCfg, cfg.scan.pids); err != nil {
			os.Exit(checkError(err))
		}
	case captureCmd.FullCommand():
		if err := captureProcess(ctx, scanCfg, cfg.capture.pid, cfg.capture.dir); err != nil {
			os.Exit(checkError(err))
		}
	case inspectCmd.FullCommand():
		if err := inspectSnapshot(ctx, scanCfg, cfg.inspect.dir); err != nil {
			os.Exit(checkError(err))
		}
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	switch err {
	case nil:
		return 0
	case errIndicatorsFound:
		// the findings are already printed
		return 2
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
