// Package archive ships snapshot batches to S3 as time-partitioned JSON
// objects for offline analysis. Archival is best-effort: a failed upload is
// logged and dropped, never blocking the serving path.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fundingflow/internal/model"
	"fundingflow/logger"
)

// Options configures the archiver target.
type Options struct {
	Bucket string
	Prefix string
	Region string
}

type Archiver struct {
	client *s3.Client
	opts   Options
	log    *logger.Entry

	in      chan model.SnapshotBatch
	wg      sync.WaitGroup
	started atomic.Bool

	uploads int64
	errors  int64
}

// New builds an archiver. An empty bucket disables it; Submit becomes a
// no-op and Start never spawns the worker.
func New(ctx context.Context, opts Options) (*Archiver, error) {
	a := &Archiver{
		opts: opts,
		log:  logger.GetLogger().WithComponent("archive"),
		in:   make(chan model.SnapshotBatch, 16),
	}
	if opts.Bucket == "" {
		return a, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	a.client = s3.NewFromConfig(awsCfg)
	return a, nil
}

func (a *Archiver) Enabled() bool { return a != nil && a.client != nil }

// Start runs the upload worker until ctx is cancelled.
func (a *Archiver) Start(ctx context.Context) {
	if !a.Enabled() || !a.started.CompareAndSwap(false, true) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case batch := <-a.in:
				a.upload(ctx, batch)
			}
		}
	}()
}

// Submit queues a batch for archival, dropping it when the queue is full.
func (a *Archiver) Submit(batch model.SnapshotBatch) {
	if !a.Enabled() || len(batch.Snapshots) == 0 {
		return
	}
	select {
	case a.in <- batch:
	default:
		a.log.Warn("archive queue full, dropping batch")
	}
}

func (a *Archiver) Wait() {
	a.wg.Wait()
}

func (a *Archiver) upload(ctx context.Context, batch model.SnapshotBatch) {
	body, err := json.Marshal(batch)
	if err != nil {
		atomic.AddInt64(&a.errors, 1)
		a.log.WithError(err).Error("failed to encode batch")
		return
	}

	key := a.objectKey(batch.AsOf)
	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = a.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(a.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		atomic.AddInt64(&a.errors, 1)
		a.log.WithError(err).WithFields(logger.Fields{"key": key}).Error("batch upload failed")
		return
	}

	atomic.AddInt64(&a.uploads, 1)
	logger.IncrementArchiveWrite()
	a.log.WithFields(logger.Fields{
		"key":       key,
		"snapshots": len(batch.Snapshots),
	}).Debug("batch archived")
}

// objectKey partitions by day then hour so downstream scans can prune.
func (a *Archiver) objectKey(asOf time.Time) string {
	ts := asOf.UTC()
	prefix := a.opts.Prefix
	if prefix == "" {
		prefix = "funding-snapshots"
	}
	return fmt.Sprintf("%s/date=%s/hour=%02d/%s.json",
		prefix, ts.Format("2006-01-02"), ts.Hour(), ts.Format("20060102T150405Z"))
}

// Stats reports upload counters for the metrics log.
func (a *Archiver) Stats() (uploads, errors int64) {
	return atomic.LoadInt64(&a.uploads), atomic.LoadInt64(&a.errors)
}
