package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "gammaflow/config"
	"gammaflow/logger"
	"gammaflow/models"
)

// StrikeRecord is the parquet schema for one archived strike row. Each
// published snapshot flattens to one row per strike.
type StrikeRecord struct {
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	SnapshotID  string  `parquet:"name=snapshot_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Version     int64   `parquet:"name=version, type=INT64"`
	Expiry      string  `parquet:"name=expiry, type=BYTE_ARRAY, convertedtype=UTF8"`
	Spot        float64 `parquet:"name=spot, type=DOUBLE"`
	Strike      float64 `parquet:"name=strike, type=DOUBLE"`
	Gamma       float64 `parquet:"name=gamma_exposure, type=DOUBLE"`
	Vanna       float64 `parquet:"name=vanna_exposure, type=DOUBLE"`
	Charm       float64 `parquet:"name=charm_exposure, type=DOUBLE"`
	FeedStale   bool    `parquet:"name=feed_stale, type=BOOLEAN"`
	GeneratedAt int64   `parquet:"name=generated_at, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory
// writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)  { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// write-only usage, seek is never meaningful here
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// s3API is the slice of the S3 client the archive writer uses.
type s3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type archiveWriter struct {
	config      *appconfig.Config
	snapshots   <-chan *models.ExposureSnapshot
	s3Client    s3API
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]*models.ExposureSnapshot
	flushTicker *time.Ticker
}

// ArchiveWriter is an exported alias for archiveWriter allowing external
// packages to interact with the writer while keeping the underlying
// implementation private.
type ArchiveWriter = archiveWriter

func newArchiveWriter(cfg *appconfig.Config, snapshots <-chan *models.ExposureSnapshot) (*archiveWriter, error) {
	log := logger.GetLogger()

	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("archive_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	aw := &archiveWriter{
		config:    cfg,
		snapshots: snapshots,
		s3Client:  s3Client,
		wg:        &sync.WaitGroup{},
		log:       log,
	}

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archive writer initialized")

	return aw, nil
}

// NewArchiveWriter constructs a new ArchiveWriter instance.
func NewArchiveWriter(cfg *appconfig.Config, snapshots <-chan *models.ExposureSnapshot) (*ArchiveWriter, error) {
	return newArchiveWriter(cfg, snapshots)
}

func (w *archiveWriter) start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting archive writer")

	w.buffer = make(map[string][]*models.ExposureSnapshot)
	w.flushTicker = time.NewTicker(w.config.Writer.FlushInterval)

	numWorkers := w.config.Writer.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting archive writer workers")

	for i := 0; i < numWorkers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	w.wg.Add(1)
	go w.flushWorker()

	log.Info("archive writer started successfully")
	return nil
}

func (w *archiveWriter) stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	w.log.WithComponent("archive_writer").Info("stopping archive writer")
	w.wg.Wait()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *archiveWriter) worker(workerID int) {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "archive",
	})

	log.Info("starting archive writer worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case snap, ok := <-w.snapshots:
			if !ok {
				log.Info("snapshot channel closed, worker stopping")
				return
			}
			w.addSnapshot(snap)
		}
	}
}

func (w *archiveWriter) addSnapshot(snap *models.ExposureSnapshot) {
	if snap == nil || len(snap.Strikes) == 0 {
		return
	}
	w.mu.Lock()
	w.buffer[snap.Symbol] = append(w.buffer[snap.Symbol], snap)
	w.mu.Unlock()
}

func (w *archiveWriter) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *archiveWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]*models.ExposureSnapshot)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing snapshot buffers")

	for symbol, snaps := range buffers {
		if len(snaps) == 0 {
			continue
		}
		w.processSnapshots(symbol, snaps)
	}
}

func (w *archiveWriter) processSnapshots(symbol string, snaps []*models.ExposureSnapshot) {
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"symbol":    symbol,
		"snapshots": len(snaps),
		"operation": "process_snapshots",
	})

	records := flattenSnapshots(snaps)
	if len(records) == 0 {
		log.Debug("no strike rows in buffer, skipping")
		return
	}

	s3Key := w.generateS3Key(symbol, snaps[len(snaps)-1].GeneratedAt)
	log = log.WithFields(logger.Fields{"s3_key": s3Key})

	parquetData, fileSize, err := w.createParquetFile(records)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(s3Key, parquetData); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	logger.IncrementArchiveWrite(fileSize)
	log.WithFields(logger.Fields{
		"file_size": fileSize,
		"rows":      len(records),
	}).Info("snapshots archived successfully")
}

func flattenSnapshots(snaps []*models.ExposureSnapshot) []StrikeRecord {
	var records []StrikeRecord
	for _, snap := range snaps {
		for _, row := range snap.Strikes {
			records = append(records, StrikeRecord{
				Symbol:      snap.Symbol,
				SnapshotID:  snap.ID,
				Version:     int64(snap.Version),
				Expiry:      snap.Expiry.Format("2006-01-02"),
				Spot:        snap.Spot,
				Strike:      row.Strike,
				Gamma:       row.Gamma,
				Vanna:       row.Vanna,
				Charm:       row.Charm,
				FeedStale:   snap.Diagnostics.FeedStale,
				GeneratedAt: snap.GeneratedAt.UnixMilli(),
			})
		}
	}
	return records
}

func (w *archiveWriter) generateS3Key(symbol string, ts time.Time) string {
	var parts []string
	for _, k := range w.config.Writer.Partitioning.AdditionalKeys {
		if k == "symbol" {
			parts = append(parts, fmt.Sprintf("symbol=%s", symbol))
		}
	}

	timeFormat := w.config.Writer.Partitioning.TimeFormat
	if timeFormat == "" {
		timeFormat = "{year}/{month}/{day}"
	}
	timePath := strings.ReplaceAll(timeFormat, "{year}", fmt.Sprintf("%04d", ts.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", ts.Month()))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", ts.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", ts.Hour()))

	parts = append(parts, timePath)

	filename := fmt.Sprintf("%s_exposure_%s.parquet", symbol, ts.UTC().Format("20060102150405"))
	key := filepath.Join(append(parts, filename)...)

	return filepath.ToSlash(key)
}

func (w *archiveWriter) createParquetFile(records []StrikeRecord) ([]byte, int64, error) {
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"rows":      len(records),
		"operation": "create_parquet_file",
	})
	log.Debug("creating parquet file")

	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(StrikeRecord), 4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Writer.Parquet.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lzo":
		pw.CompressionType = parquet.CompressionCodec_LZO
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, 0, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	data := fw.Bytes()
	return data, int64(len(data)), nil
}

func (w *archiveWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       w.config.Writer.Parquet.Compression,
			"gammaflow-version": w.config.Gammaflow.Version,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}

// Start exposes the start method of archiveWriter.
func (w *ArchiveWriter) Start(ctx context.Context) error { return w.start(ctx) }

// Stop exposes the stop method of archiveWriter.
func (w *ArchiveWriter) Stop() { w.stop() }
