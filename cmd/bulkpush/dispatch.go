package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattstrayer/bulkpush/internal/config"
	"github.com/mattstrayer/bulkpush/internal/delivery"
	"github.com/mattstrayer/bulkpush/internal/diaglog"
	"github.com/mattstrayer/bulkpush/internal/metrics"
	"github.com/mattstrayer/bulkpush/internal/queue"
	"github.com/mattstrayer/bulkpush/internal/retry"
	"github.com/mattstrayer/bulkpush/internal/services/apns"
	"github.com/mattstrayer/bulkpush/internal/tokendb"
	"github.com/mattstrayer/bulkpush/internal/tokenfile"
)

// tokenStore is the part of the token database a dispatch needs.
type tokenStore interface {
	retry.Invalidator
	Export(ctx context.Context, q tokendb.Query, base string) (tokenfile.Manifest, error)
	Close() error
}

// invocation is what the command line asked for.
type invocation struct {
	Profile   string
	TokenFile string
	Message   string
}

type dispatcher struct {
	settings  *config.Settings
	feedback  queue.FeedbackStore
	metrics   *metrics.Metrics
	openStore func(config.Database) (tokenStore, error)
	// deliverer overrides the one built from the profile.
	deliverer delivery.Deliverer
	sleep     retry.SleepFunc
}

func openStore(db config.Database) (tokenStore, error) {
	return tokendb.Open(db.Driver, db.DSN, newServiceLogger("tokendb"))
}

func (d *dispatcher) run(ctx context.Context, inv invocation) error {
	profile, err := d.settings.Profile(inv.Profile)
	if err != nil {
		return err
	}
	content := profile.Content
	if inv.Message != "" {
		content = inv.Message
	}

	var store tokenStore
	if d.settings.Database.Driver != "" {
		if store, err = d.openStore(d.settings.Database); err != nil {
			return fmt.Errorf("open token database: %w", err)
		}
		defer store.Close()
	}

	shards, err := d.prepareShards(ctx, profile, inv.TokenFile, store)
	if err != nil {
		return err
	}
	if len(shards) == 0 {
		slog.Info("Nothing to deliver", "profile", inv.Profile)
		return nil
	}

	engine, err := d.newEngine(profile, store)
	if err != nil {
		return err
	}

	jobs := make([]retry.Job, len(shards))
	for i, shard := range shards {
		jobs[i] = retry.Job{
			Shard:   shard,
			Content: content,
			LogFile: shardLogFile(profile.LogFile, shard, len(shards)),
			Credentials: delivery.Credentials{
				CertFile:   profile.CertFile,
				Passphrase: profile.Passphrase,
				Sandbox:    profile.Sandbox,
			},
		}
	}

	slog.Info("Dispatching", "profile", inv.Profile, "shards", len(jobs), "workers", d.settings.Workers)
	results, err := retry.RunShards(ctx, engine, jobs, d.settings.Workers)
	invalid := 0
	for _, stats := range results {
		invalid += stats.Invalid
	}
	if err != nil {
		return err
	}
	slog.Info("Dispatch finished", "profile", inv.Profile, "shards", len(results), "invalid", invalid)
	return nil
}

// prepareShards resolves the token file argument into the shard files to
// deliver: a manifest is resumed, a plain token file is a single shard, and
// a missing file is exported from the token database first.
func (d *dispatcher) prepareShards(ctx context.Context, profile config.Profile, tokenFile string, store tokenStore) ([]string, error) {
	if tokenFile == "" {
		tokenFile = filepath.Join(d.settings.DataDir, "tokens.txt")
	}

	var manifest tokenfile.Manifest
	_, err := os.Stat(tokenFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if store == nil {
			return nil, fmt.Errorf("%s does not exist and no token database is configured", tokenFile)
		}
		if err := os.MkdirAll(filepath.Dir(tokenFile), 0o755); err != nil {
			return nil, err
		}
		manifest, err = store.Export(ctx, tokendb.Query{Packages: profile.Packages, Conditions: profile.Conditions}, tokenFile)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		isManifest, err := tokenfile.IsManifest(tokenFile)
		if err != nil {
			return nil, err
		}
		if !isManifest {
			return []string{tokenFile}, nil
		}
		if manifest, err = tokenfile.LoadManifest(tokenFile); err != nil {
			return nil, err
		}
		slog.Info("Resuming from manifest", "manifest", tokenFile, "shards", len(manifest), "exported", manifest.Total())
	}

	var shards []string
	for _, shard := range manifest.Shards() {
		n, err := tokenfile.CountLines(shard)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			slog.Debug("Skipping empty shard", "shard", shard)
			continue
		}
		shards = append(shards, shard)
	}
	return shards, nil
}

// shardLogFile gives each shard of a multi-shard run its own pusher log, so
// concurrent pushers never write the same file.
func shardLogFile(logFile, shard string, shards int) string {
	if shards <= 1 {
		return logFile
	}
	return logFile + filepath.Ext(shard)
}

func (d *dispatcher) newEngine(profile config.Profile, store tokenStore) (*retry.Engine, error) {
	parser, err := diaglog.ForFormat(d.settings.LogFormat, d.settings.TokenLength)
	if err != nil {
		return nil, err
	}

	deliverer := d.deliverer
	if deliverer == nil {
		switch strings.ToLower(profile.Deliverer) {
		case "apns2":
			deliverer = apns.NewAPNS(apns.Config{
				Topic:  profile.Topic,
				KeyID:  profile.KeyID,
				TeamID: profile.TeamID,
				Rate:   profile.Rate,
			}, newServiceLogger("apns"))
		default:
			deliverer = delivery.NewInvoker(d.settings.PusherBin, newServiceLogger("pusher"))
		}
	}

	sinks := retry.Sinks{}
	if store != nil {
		sinks = append(sinks, store)
	} else {
		slog.Warn("No token database configured, invalid tokens are only reported as feedback")
	}
	if d.feedback != nil {
		sinks = append(sinks, queue.FeedbackSink{Store: d.feedback, Service: queue.ServiceID(profile.Sandbox)})
	}

	opts := []retry.Option{
		retry.WithLogger(newServiceLogger("retry")),
		retry.WithMetrics(d.metrics),
	}
	if d.sleep != nil {
		opts = append(opts, retry.WithSleep(d.sleep))
	}
	return retry.New(retry.Config{
		Backoff:           d.settings.Backoff,
		TokenLength:       d.settings.TokenLength,
		PruneByResumeLine: d.settings.PruneByResumeLine,
	}, deliverer, parser, sinks, opts...), nil
}
