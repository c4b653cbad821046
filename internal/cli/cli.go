// Package cli wires the blkchnkr command-line surface: init, start, and
// expand, plus the version/help handling urfave/cli provides out of the box.
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/jiripospisil/blkchnkr/internal/chunkstore"
	"github.com/jiripospisil/blkchnkr/internal/config"
	"github.com/jiripospisil/blkchnkr/internal/logging"
	ublk "github.com/jiripospisil/blkchnkr"
)

// Version is set at build time via -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

const repositoryFlagName = "repository"

func repositoryFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     repositoryFlagName,
		Aliases:  []string{"r"},
		Usage:    "path to the repository directory",
		Required: true,
	}
}

// App builds the blkchnkr command-line application.
func App() *cli.App {
	app := &cli.App{
		Name:                 "blkchnkr",
		Usage:                "userspace chunked block device server backed by ublk",
		Description:          appDescription,
		Version:              Version,
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			initCommand(),
			startCommand(),
			expandCommand(),
		},
	}
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Aliases: []string{"V"}}
	return app
}

const appDescription = `blkchnkr is a utility for creating virtual block devices backed by on
demand created chunk-sized files.`

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "create a new repository",
		UsageText: `Initializes a new repository at the given path (--repository or -r).

The assigned device ID (/dev/ublkbN) can be specified via --dev-id. It's
highly recommended to set this to have a persistent location. Defaults to
the first available ID.

The size of the device in bytes is required and can be specified via
--size. The value can be increased (but not decreased) later (see the
expand command). The minimum is 256MiB.

The size of an individual chunk in bytes can be specified via
--chunk-size and defaults to 512MiB. The larger the value the less
management under the hood and higher performance. The value cannot be
changed later. The minimum is 32MiB.

Supported suffixes: K, M, G, T.

The file system owner of all created directories and files can be
specified via --fsuid and --fsgid. Defaults to the effective user running
the binary.

The number of threads handling I/O requests can be specified via
--threads. Defaults to 1.`,
		Flags: []cli.Flag{
			repositoryFlag(),
			&cli.StringFlag{Name: "size", Required: true, Usage: "device size, accepts K/M/G/T suffixes (min 256M)"},
			&cli.StringFlag{Name: "chunk-size", Usage: "chunk size, accepts K/M/G/T suffixes (min 32M, default 512M)"},
			&cli.UintFlag{Name: "dev-id", Usage: "request a specific ublk device ID"},
			&cli.UintFlag{Name: "threads", Usage: "number of I/O queues/worker threads (default 1)"},
			&cli.UintFlag{Name: "fsuid", Usage: "uid chunk files are created under"},
			&cli.UintFlag{Name: "fsgid", Usage: "gid chunk files are created under"},
		},
		Action: runInit,
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "run the supervisor, serving the device until a termination signal",
		UsageText: `Starts the server at the given path (--repository or -r).`,
		Flags: []cli.Flag{
			repositoryFlag(),
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
		},
		Action: runStart,
	}
}

func expandCommand() *cli.Command {
	return &cli.Command{
		Name:  "expand",
		Usage: "grow the device and persist the new size; requires a server restart to take effect",
		UsageText: `Expands the size of the device of the given repository (--repository or
-r) and rounds up the new size to the nearest multiple of the chunk size.

The number of bytes by which the device should increase in size is
required and can be specified via --bytes.

Supported suffixes: K, M, G, T.

The server must be restarted for the new size to take effect.`,
		Flags: []cli.Flag{
			repositoryFlag(),
			&cli.StringFlag{Name: "bytes", Required: true, Usage: "amount to grow by, accepts K/M/G/T suffixes"},
		},
		Action: runExpand,
	}
}

func runInit(c *cli.Context) error {
	repository := c.String(repositoryFlagName)

	size, err := parseSize(c.String("size"))
	if err != nil {
		return errors.Wrap(err, "invalid --size")
	}

	var chunkSize uint64
	if c.IsSet("chunk-size") {
		chunkSize, err = parseSize(c.String("chunk-size"))
		if err != nil {
			return errors.Wrap(err, "invalid --chunk-size")
		}
	}

	var devID *uint32
	if c.IsSet("dev-id") {
		v := uint32(c.Uint("dev-id"))
		devID = &v
	}
	var threads *uint16
	if c.IsSet("threads") {
		v := uint16(c.Uint("threads"))
		threads = &v
	}
	var fsuid *uint32
	if c.IsSet("fsuid") {
		v := uint32(c.Uint("fsuid"))
		fsuid = &v
	}
	var fsgid *uint32
	if c.IsSet("fsgid") {
		v := uint32(c.Uint("fsgid"))
		fsgid = &v
	}

	if config.Exists(repository) {
		return fmt.Errorf("repository %q already has a config", repository)
	}

	cfg, err := config.New(repository, size, chunkSize, devID, threads, fsuid, fsgid)
	if err != nil {
		return errors.Wrap(err, "failed to build repository config")
	}

	if err := os.MkdirAll(chunkstore.ChunksDir(repository), 0o755); err != nil {
		return errors.Wrap(err, "failed to create chunks directory")
	}
	if err := cfg.Save(); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	fmt.Printf("initialized repository %s: size=%s chunk-size=%s\n",
		repository, formatSize(cfg.Size), formatSize(cfg.ChunkSize))
	return nil
}

func runStart(c *cli.Context) error {
	repository := c.String(repositoryFlagName)

	repoCfg, err := config.FromRepository(repository)
	if err != nil {
		return errors.Wrap(err, "failed to load repository config")
	}

	logConfig := logging.DefaultConfig()
	if c.Bool("verbose") {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	options := &ublk.Options{Logger: logger}

	fmt.Printf("starting blkchnkr on repository %s (size=%s, threads=%d)\n",
		repository, formatSize(repoCfg.Size), repoCfg.ThreadsOrDefault())
	fmt.Printf("send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	return ublk.Run(context.Background(), repoCfg, options)
}

func runExpand(c *cli.Context) error {
	repository := c.String(repositoryFlagName)

	repoCfg, err := config.FromRepository(repository)
	if err != nil {
		return errors.Wrap(err, "failed to load repository config")
	}

	delta, err := parseSize(c.String("bytes"))
	if err != nil {
		return errors.Wrap(err, "invalid --bytes")
	}

	before := repoCfg.Size
	if err := repoCfg.ExpandSizeByBytes(delta); err != nil {
		return errors.Wrap(err, "failed to expand size")
	}
	if err := repoCfg.Save(); err != nil {
		return errors.Wrap(err, "failed to persist expanded config")
	}

	fmt.Printf("expanded repository %s: %s -> %s (restart the server to pick up the new size)\n",
		repository, formatSize(before), formatSize(repoCfg.Size))
	return nil
}

// parseSize parses a size string like "64M", "1G", "512K", "2T". A bare
// number is interpreted as bytes.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	var multiplier uint64 = 1
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		numStr = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1 << 40
		numStr = strings.TrimSuffix(s, "T")
	}

	num, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T", "P", "E"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
