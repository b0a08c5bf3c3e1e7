package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/dsync/internal/bootstrap"
	"github.com/bamsammich/dsync/internal/bwlimit"
	"github.com/bamsammich/dsync/internal/config"
	"github.com/bamsammich/dsync/internal/errkind"
	"github.com/bamsammich/dsync/internal/event"
	"github.com/bamsammich/dsync/internal/filter"
	"github.com/bamsammich/dsync/internal/orchestrator"
	"github.com/bamsammich/dsync/internal/progress"
	"github.com/bamsammich/dsync/internal/stats"
	"github.com/bamsammich/dsync/internal/wire"
	"github.com/bamsammich/dsync/internal/worker"
)

var version = "dev"

func main() {
	// Worker mode: re-exec'd remote process. Must be checked before cobra to
	// avoid flag conflicts.
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case worker.VersionFlag:
			fmt.Println(version)
			return
		case worker.ModeFlag:
			os.Exit(runWorkerMode(os.Args[2:]))
		}
	}

	os.Exit(run())
}

func runWorkerMode(args []string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	port := fs.Int("port", 0, "loopback port to listen on")
	root := fs.String("root", "", "destination root directory")
	if err := fs.Parse(args); err != nil {
		slog.Error("worker flags", "error", err)
		return 2
	}
	if *port == 0 || *root == "" {
		slog.Error("worker mode requires --port and --root")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := worker.Run(ctx, *port, *root)
	stop()

	if err != nil {
		slog.Error("worker failed", "error", err)
		return errkind.ExitCode(err)
	}
	return 0
}

// filterFlag is a custom pflag.Value that preserves CLI ordering of
// --exclude and --include rules by appending to a shared filter.Chain.
type filterFlag struct {
	chain   *filter.Chain
	include bool
}

func (*filterFlag) String() string { return "" }
func (*filterFlag) Type() string   { return "string" }

func (f *filterFlag) Set(val string) error {
	if f.include {
		return f.chain.AddInclude(val)
	}
	return f.chain.AddExclude(val)
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: main CLI entry point orchestrates all flag parsing
func run() int {
	var (
		recursive     bool
		deleteFlag    bool
		wholeFile     bool
		checksum      bool
		dryRun        bool
		existing      bool
		relative      bool
		quiet         bool
		jsonFlag      bool
		verbosity     int
		compressLevel int
		contimeout    int
		includeFrom   string
		excludeFrom   string
		filesFrom     string
		copyDest      string
		minSizeStr    string
		maxSizeStr    string
		bwLimitStr    string
		sshIP         string
		sshPort       int
		sshKeyFile    string
		workerPath    string
		configPath    string
		logJSON       bool
		showVersion   bool
	)

	chain := filter.NewChain()

	rootCmd := &cobra.Command{
		Use:   "dsync [flags] <source>... <user@host:path>",
		Short: "Mirror local trees onto a remote host, sending only changed byte regions",
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.MinimumNArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "dsync %s\n", version)
				return nil
			}

			sources := args[:len(args)-1]
			dst := bootstrap.ParseLocation(args[len(args)-1])
			if !dst.IsRemote() {
				return usageErr("destination %q is not remote (user@host:path)", dst.Path)
			}
			for _, src := range sources {
				if bootstrap.ParseLocation(src).IsRemote() {
					return usageErr("source %q must be local; only the destination is remote", src)
				}
			}

			// Config file supplies defaults for flags not set on the CLI.
			cfg, err := config.Load(configPath)
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg,
				&compressLevel, &contimeout, &checksum, &bwLimitStr, &verbosity,
				&jsonFlag, &sshPort, &sshKeyFile, &workerPath)

			setupLogging(verbosity, quiet, logJSON)

			if verbosity > 3 {
				verbosity = 3
			}
			opts := wire.Options{
				Recursive:            recursive,
				DeleteExtras:         deleteFlag,
				WholeFile:            wholeFile,
				Checksum:             checksum,
				DryRun:               dryRun,
				Existing:             existing,
				Relative:             relative,
				Quiet:                quiet,
				JSON:                 jsonFlag,
				CompressLevel:        uint8(compressLevel), //nolint:gosec // G115: validated below
				Verbosity:            uint8(verbosity),     //nolint:gosec // G115: capped above
				ConnectionTimeoutSec: uint32(contimeout),   //nolint:gosec // G115: small positive flag
				CopyDest:             copyDest,
			}
			if err := opts.Validate(); err != nil {
				return usageErr("%v", err)
			}

			if err := loadFilters(chain, includeFrom, excludeFrom, minSizeStr, maxSizeStr); err != nil {
				return usageErr("%v", err)
			}

			var fileList []string
			if filesFrom != "" {
				fileList, err = filter.ReadPathList(filesFrom)
				if err != nil {
					return usageErr("--files-from: %v", err)
				}
			}

			var bwLimit int64
			if bwLimitStr != "" {
				bwLimit, err = filter.ParseSize(bwLimitStr)
				if err != nil {
					return usageErr("invalid --bwlimit: %v", err)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if dryRun {
				slog.Info("dry run mode")
			}

			return runSync(ctx, syncParams{
				sources:  sources,
				dest:     dst,
				opts:     opts,
				chain:    chain,
				fileList: fileList,
				bwLimit:  bwLimit,
				sshIP:    sshIP,
				sshPort:  sshPort,
				sshKey:   sshKeyFile,
				worker:   workerPath,
				quiet:    quiet,
				jsonOut:  jsonFlag,
			})
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "sync directories recursively")
	rootCmd.Flags().BoolVar(&deleteFlag, "delete", false, "delete remote files absent locally (requires -r)")
	rootCmd.Flags().BoolVarP(&wholeFile, "whole-file", "W", false, "skip the delta algorithm; resend changed files whole")
	rootCmd.Flags().BoolVarP(&checksum, "checksum", "c", false, "compare content hashes, not just size+mtime")
	rootCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "classify only; write nothing on the remote")
	rootCmd.Flags().BoolVar(&existing, "existing", false, "skip files that do not already exist remotely")
	rootCmd.Flags().BoolVarP(&relative, "relative", "R", false, "preserve source path prefixes in the destination")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.Flags().BoolVar(&jsonFlag, "json", false, "structured progress on stdout, one JSON line per event")
	rootCmd.Flags().CountVarP(&verbosity, "verbose", "v", "increase verbosity (repeatable, up to -vvv)")
	rootCmd.Flags().IntVarP(&compressLevel, "compress-level", "z", wire.DefaultCompressLevel, "zstd level for bulk phases (1-22)")
	rootCmd.Flags().IntVar(&contimeout, "contimeout", 10, "connection timeout in seconds")
	rootCmd.Flags().VarP(&filterFlag{chain: chain, include: false}, "exclude", "", "exclude files matching PATTERN (repeatable)")
	rootCmd.Flags().VarP(&filterFlag{chain: chain, include: true}, "include", "", "include files matching PATTERN (repeatable)")
	rootCmd.Flags().StringVar(&includeFrom, "include-from", "", "read include patterns from FILE")
	rootCmd.Flags().StringVar(&excludeFrom, "exclude-from", "", "read exclude patterns from FILE")
	rootCmd.Flags().StringVar(&filesFrom, "files-from", "", "read the exact list of paths to sync from FILE")
	rootCmd.Flags().StringVar(&copyDest, "copy-dest", "", "remote DIR to source identical content from instead of transferring")
	rootCmd.Flags().StringVar(&minSizeStr, "min-size", "", "skip files smaller than SIZE (e.g. 1M, 100K)")
	rootCmd.Flags().StringVar(&maxSizeStr, "max-size", "", "skip files larger than SIZE (e.g. 1G, 500M)")
	rootCmd.Flags().StringVar(&bwLimitStr, "bwlimit", "", "bandwidth limit for bulk phases (e.g. 10M)")
	rootCmd.Flags().StringVar(&sshIP, "ip", "", "dial this address instead of the destination host name")
	rootCmd.Flags().IntVar(&sshPort, "port", 22, "SSH port")
	rootCmd.Flags().StringVar(&sshKeyFile, "ssh-key", "", "SSH private key file (default: auto-detect)")
	rootCmd.Flags().StringVar(&workerPath, "worker-path", "", "remote worker binary path (default ~/"+bootstrap.DefaultWorkerPath+")")
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/dsync/config.toml)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "structured JSON logs on stderr")

	rootCmd.AddCommand(docsCmd)

	rootCmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "exclude" || f.Name == "include" {
			f.NoOptDefVal = ""
		}
	})

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if kind := errkind.KindOf(err); kind != errkind.Unknown {
			return kind.ExitCode()
		}
		return 2
	}

	return 0
}

type syncParams struct {
	sources  []string
	dest     bootstrap.Location
	opts     wire.Options
	chain    *filter.Chain
	fileList []string
	bwLimit  int64
	sshIP    string
	sshPort  int
	sshKey   string
	worker   string
	quiet    bool
	jsonOut  bool
}

func runSync(ctx context.Context, p syncParams) error {
	remote, err := bootstrap.Connect(ctx, bootstrap.Config{
		Location: p.dest,
		SSH: bootstrap.SSHOpts{
			Addr:    p.sshIP,
			Port:    p.sshPort,
			KeyFile: p.sshKey,
		},
		WorkerPath:     p.worker,
		Version:        version,
		ConnectTimeout: time.Duration(p.opts.ConnectionTimeoutSec) * time.Second,
	})
	if err != nil {
		return reportRemoteStderr(err)
	}
	defer remote.Close()

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)

	presenter := progress.New(progress.Config{
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		Stats:     collector,
		Dest:      p.dest.String(),
		IsTTY:     progress.IsTTY(os.Stderr.Fd()),
		Quiet:     p.quiet,
		JSON:      p.jsonOut,
		Verbosity: int(p.opts.Verbosity),
		DryRun:    p.opts.DryRun,
	})

	var presenterErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		presenterErr = presenter.Run(events)
	}()

	orcCfg := orchestrator.Config{
		Conn:      remote.Conn,
		Sources:   p.sources,
		Opts:      p.opts,
		Filter:    chainOrNil(p.chain),
		FilesFrom: p.fileList,
		Events:    events,
		Stats:     collector,
	}
	if p.bwLimit > 0 {
		orcCfg.Limiter = bwlimit.NewLimiter(p.bwLimit)
	}

	summary, runErr := orchestrator.Run(ctx, orcCfg)
	close(events)
	wg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(os.Stderr, "presenter: %v\n", presenterErr)
	}

	if runErr != nil {
		return reportRemoteStderr(runErr)
	}

	if !p.quiet {
		if line := presenter.Summary(); line != "" {
			fmt.Fprintln(os.Stderr, line)
		}
	}
	slog.Debug("run complete",
		"ok", summary.OK, "failed", summary.Failed,
		"missing", summary.Missing, "changed", summary.Changed,
		"identical", summary.Identical, "deleted", summary.Deleted)

	if summary.Failed > 0 {
		return &exitError{code: 1}
	}
	return nil
}

func chainOrNil(c *filter.Chain) *filter.Chain {
	if c == nil || c.Empty() {
		return nil
	}
	return c
}

func loadFilters(chain *filter.Chain, includeFrom, excludeFrom, minSize, maxSize string) error {
	if includeFrom != "" {
		if err := chain.LoadIncludeFile(includeFrom); err != nil {
			return err
		}
	}
	if excludeFrom != "" {
		if err := chain.LoadExcludeFile(excludeFrom); err != nil {
			return err
		}
	}
	if minSize != "" {
		n, err := filter.ParseSize(minSize)
		if err != nil {
			return fmt.Errorf("invalid --min-size: %w", err)
		}
		chain.SetMinSize(n)
	}
	if maxSize != "" {
		n, err := filter.ParseSize(maxSize)
		if err != nil {
			return fmt.Errorf("invalid --max-size: %w", err)
		}
		chain.SetMaxSize(n)
	}
	return nil
}

func setupLogging(verbosity int, quiet, logJSON bool) {
	logLevel := slog.LevelWarn
	switch {
	case verbosity >= 2:
		logLevel = slog.LevelDebug
	case verbosity == 1:
		logLevel = slog.LevelInfo
	case quiet:
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	cfg config.Config,
	compressLevel, contimeout *int,
	checksum *bool,
	bwLimit *string,
	verbosity *int,
	jsonFlag *bool,
	sshPort *int,
	sshKeyFile, workerPath *string,
) {
	d := cfg.Defaults
	if !cmd.Flags().Changed("compress-level") && d.CompressLevel != nil {
		*compressLevel = *d.CompressLevel
	}
	if !cmd.Flags().Changed("contimeout") && d.Contimeout != nil {
		*contimeout = *d.Contimeout
	}
	if !cmd.Flags().Changed("checksum") && d.Checksum != nil {
		*checksum = *d.Checksum
	}
	if !cmd.Flags().Changed("bwlimit") && d.BWLimit != nil {
		*bwLimit = *d.BWLimit
	}
	if !cmd.Flags().Changed("verbose") && d.Verbosity != nil {
		*verbosity = *d.Verbosity
	}
	if !cmd.Flags().Changed("json") && d.JSON != nil {
		*jsonFlag = *d.JSON
	}
	if !cmd.Flags().Changed("port") && cfg.SSH.Port != nil {
		*sshPort = *cfg.SSH.Port
	}
	if !cmd.Flags().Changed("ssh-key") && cfg.SSH.KeyFile != nil {
		*sshKeyFile = *cfg.SSH.KeyFile
	}
	if !cmd.Flags().Changed("worker-path") && cfg.Worker.RemotePath != nil {
		*workerPath = *cfg.Worker.RemotePath
	}
}

// reportRemoteStderr appends the worker's stderr tail to the error output
// when one was captured.
func reportRemoteStderr(err error) error {
	if tail := errkind.StderrTail(err); tail != "" {
		fmt.Fprintf(os.Stderr, "remote worker stderr:\n%s\n", tail)
	}
	return err
}

func usageErr(format string, args ...any) error {
	return errkind.New(errkind.Usage, format, args...)
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
