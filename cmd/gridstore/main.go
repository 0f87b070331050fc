//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2026 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/gridstore/adapters/repos/db"
	"github.com/weaviate/gridstore/adapters/repos/wal"
	"github.com/weaviate/gridstore/usecases/config"
	"github.com/weaviate/gridstore/usecases/monitoring"
)

const (
	ActionRecover = "recover"
	ActionDumpWAL = "dump-wal"
	ActionStats   = "stats"
)

// Options represents Command line options
type Options struct {
	DataPath    string   `long:"data-path" description:"directory holding pages, wal and checkpoint metadata, overrides the config file"`
	ConfigFile  string   `long:"config-file" description:"yaml config file, environment variables take precedence"`
	Action      string   `long:"action" description:"what to do with the node: recover, dump-wal or stats" default:"recover"`
	FromSegment uint64   `long:"from-segment" description:"first wal segment dump-wal prints"`
	Caches      []string `long:"cache" description:"cache whose stored pages stats prints, may be repeated"`
}

func main() {
	var opts Options
	log := logger()

	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		log.WithError(err).Fatal("failed to parse command line args")
	}

	cfg, err := config.LoadFile(opts.ConfigFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if opts.DataPath != "" {
		cfg.Persistence.DataPath = opts.DataPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := monitoring.NoopRegisterer()
	if cfg.Monitoring.Enabled {
		reg = prometheus.DefaultRegisterer
	}
	metrics := monitoring.NewPrometheusMetrics(reg)

	switch opts.Action {
	case ActionRecover:
		err = recoverNode(ctx, cfg, log, metrics)
	case ActionStats:
		err = printStats(ctx, cfg, opts.Caches, log, metrics)
	case ActionDumpWAL:
		err = dumpWAL(cfg, opts.FromSegment, log)
	default:
		log.WithField("action", opts.Action).Fatal("--action empty or unknown")
	}
	if err != nil {
		log.WithError(err).WithField("action", opts.Action).Fatal("failed")
	}
}

// logger defaults to log level info and json format, LOG_FORMAT=text and
// LOG_LEVEL change that.
func logger() *logrus.Logger {
	logger := logrus.New()
	if os.Getenv("LOG_FORMAT") != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "trace":
		logger.SetLevel(logrus.TraceLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func recoverNode(ctx context.Context, cfg config.Config, log logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) error {
	node, err := db.Open(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}

	res := node.Recovery()
	fields := logrus.Fields{
		"action":    ActionRecover,
		"from":      res.From.String(),
		"last":      res.Last.String(),
		"applied":   res.Applied,
		"skipped":   res.Skipped,
		"discarded": res.Discarded,
		"flushed":   res.Flushed,
		"gaps":      len(res.Gaps),
		"took":      res.Took,
	}
	if res.Checkpoint != nil {
		fields["checkpoint"] = res.Checkpoint.ID
	}
	log.WithFields(fields).Info("recovery complete")

	return node.Shutdown(ctx)
}

func printStats(ctx context.Context, cfg config.Config, caches []string, log logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) error {
	node, err := db.Open(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}

	stats := node.Stats()
	fmt.Printf("status:            %s\n", stats.Status)
	fmt.Printf("active segment:    %d\n", stats.ActiveSegment)
	fmt.Printf("archived segments: %d (%d bytes)\n", stats.ArchivedSegments, stats.ArchiveSize)
	fmt.Printf("loaded pages:      %d\n", stats.LoadedPages)
	fmt.Printf("dirty pages:       %d\n", stats.DirtyPages)
	fmt.Printf("checkpointer:      %s\n", stats.CheckpointState)
	if cp := stats.LastCheckpoint; cp != nil {
		fmt.Printf("last checkpoint:   %d at %s, %d pages\n", cp.ID, cp.Pointer, cp.Pages)
	} else {
		fmt.Printf("last checkpoint:   none\n")
	}
	for _, name := range caches {
		cs, err := node.CacheStats(name)
		if err != nil {
			node.Shutdown(ctx)
			return err
		}
		fmt.Printf("cache %q: %d partitions, %d stored pages\n", cs.Name, cs.Partitions, cs.StoredPages)
	}

	return node.Shutdown(ctx)
}

// dumpWAL prints the records of the log without opening the node. Damaged
// records are reported and skipped.
func dumpWAL(cfg config.Config, fromSegment uint64, log logrus.FieldLogger) error {
	dirs := wal.Dirs{Work: cfg.Persistence.WALPath(), Archive: cfg.Persistence.WALArchivePath()}
	from := wal.Pointer{}
	if fromSegment > 0 {
		from = wal.SegmentStart(fromSegment)
	}

	it, err := wal.NewIterator(dirs, from, wal.PolicyTolerate, log, nil)
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for it.Next() {
		fmt.Printf("%-14s %s\n", it.Pointer(), describe(it.Record()))
		count++
	}
	for _, gap := range it.Gaps() {
		fmt.Printf("gap            %s\n", gap)
	}
	log.WithFields(logrus.Fields{
		"action":  ActionDumpWAL,
		"records": count,
		"gaps":    len(it.Gaps()),
	}).Info("wal dumped")
	return it.Err()
}

func describe(r wal.Record) string {
	switch rec := r.(type) {
	case *wal.PageDeltaRecord:
		return fmt.Sprintf("%s page=%s offset=%d len=%d", rec.Type(), rec.PageID, rec.Offset, len(rec.Data))
	case *wal.PageSnapshotRecord:
		return fmt.Sprintf("%s page=%s len=%d", rec.Type(), rec.PageID, len(rec.Image))
	case *wal.CheckpointRecord:
		return fmt.Sprintf("%s id=%d uuid=%s", rec.Type(), rec.ID, rec.UUID)
	case *wal.PartitionDestroyRecord:
		if rec.PartitionID == wal.AllPartitions {
			return fmt.Sprintf("%s group=%d", rec.Type(), rec.GroupID)
		}
		return fmt.Sprintf("%s group=%d partition=%d", rec.Type(), rec.GroupID, rec.PartitionID)
	case *wal.CustomRecord:
		return fmt.Sprintf("%s tag=%d len=%d", rec.Type(), rec.Tag, len(rec.Payload))
	case *wal.BatchRecord:
		return fmt.Sprintf("%s count=%d", rec.Type(), rec.Count)
	default:
		return r.Type().String()
	}
}
