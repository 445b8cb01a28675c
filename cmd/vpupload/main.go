package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"github.com/vpstream/go-vpuploader/analytics"
	"github.com/vpstream/go-vpuploader/batch"
	"github.com/vpstream/go-vpuploader/broker"
	"github.com/vpstream/go-vpuploader/config"
	"github.com/vpstream/go-vpuploader/events"
	"github.com/vpstream/go-vpuploader/handshake"
	"github.com/vpstream/go-vpuploader/internal"
	"github.com/vpstream/go-vpuploader/s3complete"
	"github.com/vpstream/go-vpuploader/transfer"
	"github.com/vpstream/go-vpuploader/uploader"
)

const (
	brokerURLEnvKey    = "VPUPLOAD_BROKER_URL"
	brokerTokenEnvKey  = "VPUPLOAD_BROKER_TOKEN"
	s3BucketEnvKey     = "VPUPLOAD_S3_BUCKET"
	s3RegionEnvKey     = "VPUPLOAD_S3_REGION"
	awsAccessKeyEnvKey = "AWS_ACCESS_KEY_ID"
	awsSecretKeyEnvKey = "AWS_SECRET_ACCESS_KEY"
)

var errUploadsFailed = errors.New("some uploads failed")

var newTracker = analytics.NewDefaultUploadTracker

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := log.NewLogger()
	app := newApp(env.NewRepository(), logger, os.Stdout)
	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	paths      []string
}

func newApp(envRepo env.Repository, logger log.Logger, out io.Writer) *cli.App {
	return &cli.App{
		Name:      "vpupload",
		Usage:     "Upload video files to the presigned URLs issued by the upload broker",
		ArgsUsage: "FILE...",
		Writer:    out,
		Flags:     appFlags(),
		Action: func(c *cli.Context) error {
			opts, err := optionsFromContext(c)
			if err != nil {
				return err
			}
			return run(c.Context, opts, envRepo, logger, out)
		},
	}
}

func appFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path of a YAML, JSON or TOML configuration file",
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "dotenv file loaded into the environment before anything is configured",
		},
	}
}

func optionsFromContext(c *cli.Context) (options, error) {
	if c.NArg() == 0 {
		return options{}, errors.New("usage: vpupload [--config file] [--env-file file] FILE...")
	}
	return options{
		configPath: c.String("config"),
		envFile:    c.String("env-file"),
		paths:      c.Args().Slice(),
	}, nil
}

func loadConfig(path string, envRepo env.Repository, logger log.Logger) (config.Config, error) {
	if path == "" {
		return config.FromEnv(envRepo)
	}

	cfg, diagnostics, err := config.LoadFile(path)
	if err != nil {
		return config.Config{}, err
	}
	for _, d := range diagnostics {
		logger.Warnf("Config: %s", d)
	}
	return cfg, nil
}

func run(ctx context.Context, opts options, envRepo env.Repository, logger log.Logger, out io.Writer) error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		logger.Debugf("Loaded environment from %s", opts.envFile)
	}

	cfg, err := loadConfig(opts.configPath, envRepo, logger)
	if err != nil {
		return err
	}

	brokerURL := envRepo.Get(brokerURLEnvKey)
	if brokerURL == "" {
		return fmt.Errorf("%s is not set", brokerURLEnvKey)
	}
	client := broker.NewClient(retryhttp.NewClient(logger), brokerURL, envRepo.Get(brokerTokenEnvKey), logger)

	completion, err := completionHandler(ctx, client, envRepo, logger)
	if err != nil {
		return err
	}

	tracker := newTracker(envRepo, logger)
	defer tracker.Wait()

	u := uploader.New(cfg, logger)
	u.RegisterHandlers(events.Chain(events.Handlers{
		OnProgress: func(p events.Progress) {
			logger.Debugf("%s: %.0f%%", p.File.Name, p.Percentage())
		},
		OnSuccess: func(report events.SuccessReport) {
			logger.Donef("Uploaded %s", report.RequestKey)
			if report.CleanupErr != nil {
				logger.Warnf("Session of %s not retired: %s", report.RequestKey, report.CleanupErr)
			}
		},
		OnError: func(report events.ErrorReport) {
			logger.Warnf("Upload of %s failed: %s", report.File.Name, report.Err)
		},
		OnCompletion: completion,
	}, tracker.Handlers()))

	items, closers, err := issueItems(ctx, opts.paths, client, cfg, logger)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warnf("Failed to close file: %s", err)
			}
		}
	}()
	if err != nil {
		return err
	}

	summary, err := u.UploadMany(ctx, items, batch.Callbacks{})
	if err != nil {
		return err
	}

	printSummary(out, summary, items)
	if len(summary.Failures) > 0 {
		return fmt.Errorf("%w: %d of %d", errUploadsFailed, len(summary.Failures), len(summary.Results))
	}
	return nil
}

// completionHandler completes multipart uploads on S3 directly when a bucket is configured, otherwise through the broker.
func completionHandler(ctx context.Context, client *broker.Client, envRepo env.Repository, logger log.Logger) (handshake.CompletionHandler, error) {
	bucket := envRepo.Get(s3BucketEnvKey)
	if bucket == "" {
		return client.CompletionHandler(), nil
	}

	handler, err := s3complete.New(ctx, s3complete.Params{
		Bucket:          bucket,
		Region:          envRepo.Get(s3RegionEnvKey),
		AccessKeyID:     envRepo.Get(awsAccessKeyEnvKey),
		SecretAccessKey: envRepo.Get(awsSecretKeyEnvKey),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create S3 completion handler: %w", err)
	}
	return handler.CompletionHandler(), nil
}

func issueItems(ctx context.Context, paths []string, client *broker.Client, cfg config.Config, logger log.Logger) ([]batch.Item, []io.Closer, error) {
	pathModifier := pathutil.NewPathModifier()
	pathChecker := pathutil.NewPathChecker()

	var items []batch.Item
	var closers []io.Closer
	for _, path := range paths {
		absPath, err := pathModifier.AbsPath(path)
		if err != nil {
			return items, closers, fmt.Errorf("resolve %s: %w", path, err)
		}
		exists, err := pathChecker.IsPathExists(absPath)
		if err != nil {
			return items, closers, err
		}
		if !exists {
			return items, closers, fmt.Errorf("%s: %w", absPath, transfer.ErrFileNotFound)
		}

		src, blob, err := transfer.OpenFile(internal.RealOS{}, absPath)
		if err != nil {
			return items, closers, err
		}
		closers = append(closers, blob)

		mtype, err := mimetype.DetectFile(absPath)
		if err != nil {
			return items, closers, fmt.Errorf("detect type of %s: %w", absPath, err)
		}
		src.Type = mtype.String()

		logger.Printf("Requesting upload of %s (%s, %s)", src.Name, src.Type, units.HumanSize(float64(blob.Size())))
		details, err := client.Issue(ctx, broker.NewIssueRequest(src.Name, src.Type, blob.Size(), cfg.ChunkSize))
		if err != nil {
			return items, closers, fmt.Errorf("issue upload of %s: %w", src.Name, err)
		}

		items = append(items, batch.Item{File: src, Details: details})
	}
	return items, closers, nil
}

func printSummary(out io.Writer, summary batch.Summary, items []batch.Item) {
	for _, result := range summary.Results {
		size := units.HumanSize(float64(items[result.Index].File.Blob.Size()))
		if result.Err != nil {
			_, _ = fmt.Fprintf(out, "FAIL  %s (%s): %s\n", result.Name, size, result.Err)
			continue
		}
		_, _ = fmt.Fprintf(out, "OK    %s (%s)\n", result.Name, size)
	}
	_, _ = fmt.Fprintf(out, "%d succeeded, %d failed\n", len(summary.Successes), len(summary.Failures))
}
