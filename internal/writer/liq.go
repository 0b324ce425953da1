package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "liqflow/config"
	metrics "liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/logger"
)

const (
	liquidationKeySeparator = "|"
	defaultLiquidationFlush = time.Minute
	defaultBatchSize        = 500
	defaultTimeFormat       = "{year}/{month}/{day}/{hour}"
)

// Uploader is the subset of the S3 client used by the writer.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type liquidationMemFile struct {
	buffer *bytes.Buffer
}

func newLiquidationMemFile() *liquidationMemFile {
	return &liquidationMemFile{buffer: &bytes.Buffer{}}
}

func (m *liquidationMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *liquidationMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *liquidationMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *liquidationMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *liquidationMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *liquidationMemFile) Close() error                              { return nil }
func (m *liquidationMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// liquidationRecord is the parquet schema of an archived event. Amounts are
// kept as decimal strings so the archive matches the ledger exactly.
type liquidationRecord struct {
	Source       string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol       string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime    int64  `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Side         string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size         string `parquet:"name=size, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	NotionalUsd  string `parquet:"name=notional_usd, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedTime int64  `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type liquidationBatch struct {
	Source    string
	Symbol    string
	Entries   []models.ArchivedLiquidation
	Timestamp time.Time
}

type WriterOption func(*LiquidationWriter)

// WithUploader replaces the S3 client, skipping AWS configuration.
func WithUploader(u Uploader) WriterOption {
	return func(w *LiquidationWriter) { w.uploader = u }
}

// LiquidationWriter buffers accepted events per source and symbol and writes
// them to S3 as snappy-compressed parquet files.
type LiquidationWriter struct {
	archive       <-chan models.ArchivedLiquidation
	uploader      Uploader
	bucket        string
	prefix        string
	timeFormat    string
	batchSize     int
	flushInterval time.Duration
	log           *logger.Log

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
	buffer    map[string][]models.ArchivedLiquidation
	lastFlush map[string]time.Time

	batchesWritten atomic.Int64
	recordsWritten atomic.Int64
	bytesWritten   atomic.Int64
	errorsCount    atomic.Int64
}

// NewLiquidationWriter builds the writer from the archive and S3 settings.
func NewLiquidationWriter(cfg *appconfig.Config, archive <-chan models.ArchivedLiquidation, opts ...WriterOption) (*LiquidationWriter, error) {
	log := logger.GetLogger()
	s3cfg := cfg.Storage.S3

	bucket, err := normalizeBucketName(s3cfg.Bucket)
	if err != nil {
		return nil, err
	}

	w := &LiquidationWriter{
		archive:       archive,
		bucket:        bucket,
		prefix:        strings.Trim(strings.TrimSpace(s3cfg.Prefix), "/"),
		timeFormat:    cfg.Archive.TimeFormat,
		batchSize:     cfg.Archive.BatchSize,
		flushInterval: cfg.Archive.FlushInterval,
		log:           log,
		buffer:        make(map[string][]models.ArchivedLiquidation),
		lastFlush:     make(map[string]time.Time),
	}
	if w.timeFormat == "" {
		w.timeFormat = defaultTimeFormat
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.flushInterval <= 0 {
		w.flushInterval = defaultLiquidationFlush
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.uploader == nil {
		if !s3cfg.Enabled {
			return nil, fmt.Errorf("s3 storage is disabled")
		}
		client, err := newS3Client(context.Background(), s3cfg)
		if err != nil {
			return nil, err
		}
		w.uploader = client
	}

	log.WithComponent("liq_writer").WithFields(logger.Fields{
		"bucket":         bucket,
		"prefix":         w.prefix,
		"region":         s3cfg.Region,
		"endpoint":       s3cfg.Endpoint,
		"path_style":     s3cfg.PathStyle,
		"batch_size":     w.batchSize,
		"flush_interval": w.flushInterval.String(),
	}).Info("liquidation writer initialized")

	return w, nil
}

func newS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func normalizeBucketName(raw string) (string, error) {
	bucket := strings.TrimSpace(raw)
	if bucket == "" {
		return "", fmt.Errorf("s3 bucket not configured")
	}
	return bucket, nil
}

// Start launches the ingestion and flush workers.
func (w *LiquidationWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("liquidation writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	tickerInterval := w.tickerInterval()
	w.log.WithComponent("liq_writer").WithFields(logger.Fields{
		"ticker_interval": tickerInterval.String(),
		"batch_size":      w.batchSize,
	}).Info("starting liquidation writer")

	w.wg.Add(2)
	go w.worker()
	go w.flushWorker(tickerInterval)
	return nil
}

// Stop terminates the workers and flushes whatever is still buffered.
func (w *LiquidationWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.drain()
	w.flushAll("stop")
	metrics.ReportWriter(w.log, "liq_writer", w.Stats())
	w.log.WithComponent("liq_writer").Info("liquidation writer stopped")
}

func (w *LiquidationWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case rec, ok := <-w.archive:
			if !ok {
				return
			}
			w.add(rec)
		}
	}
}

// drain moves records still queued in the channel into the buffer.
func (w *LiquidationWriter) drain() {
	for {
		select {
		case rec, ok := <-w.archive:
			if !ok {
				return
			}
			w.add(rec)
		default:
			return
		}
	}
}

func (w *LiquidationWriter) flushWorker(interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushTimedOut(time.Now())
		}
	}
}

func (w *LiquidationWriter) add(rec models.ArchivedLiquidation) {
	if rec.Source == "" || rec.Symbol == "" || !rec.Event.Valid() {
		return
	}
	key := bufferKey(rec.Source, rec.Symbol)
	w.mu.Lock()
	w.buffer[key] = append(w.buffer[key], rec)
	if _, ok := w.lastFlush[key]; !ok {
		w.lastFlush[key] = time.Now()
	}
	shouldFlush := len(w.buffer[key]) >= w.batchSize
	w.mu.Unlock()

	if shouldFlush {
		w.flushKey(key)
	}
}

func (w *LiquidationWriter) flushTimedOut(now time.Time) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.buffer))
	for key, entries := range w.buffer {
		if len(entries) > 0 && now.Sub(w.lastFlush[key]) >= w.flushInterval {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.flushKey(key)
	}
}

func (w *LiquidationWriter) flushAll(reason string) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.buffer))
	for key, entries := range w.buffer {
		if len(entries) > 0 {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	w.log.WithComponent("liq_writer").WithFields(logger.Fields{
		"flushed_buffers": len(keys),
		"reason":          reason,
	}).Info("flushing liquidation buffers")

	for _, key := range keys {
		w.flushKey(key)
	}
}

func (w *LiquidationWriter) flushKey(key string) {
	w.mu.Lock()
	entries := w.buffer[key]
	if len(entries) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, key)
	delete(w.lastFlush, key)
	w.mu.Unlock()

	parts := strings.SplitN(key, liquidationKeySeparator, 2)
	batch := liquidationBatch{Source: parts[0], Entries: entries}
	if len(parts) > 1 {
		batch.Symbol = parts[1]
	}
	for _, entry := range entries {
		if ts := entry.Event.Time(); ts.After(batch.Timestamp) {
			batch.Timestamp = ts
		}
	}

	w.writeBatch(batch)
}

func (w *LiquidationWriter) writeBatch(batch liquidationBatch) {
	log := w.log.WithComponent("liq_writer").WithFields(logger.Fields{
		"source":  batch.Source,
		"symbol":  batch.Symbol,
		"records": len(batch.Entries),
	})

	data, err := createParquet(batch)
	if err != nil {
		w.errorsCount.Add(1)
		metrics.ArchiveRecords.WithLabelValues("error").Add(float64(len(batch.Entries)))
		log.WithError(err).Error("failed to create parquet for liquidation batch")
		return
	}

	key := w.generateS3Key(batch, uuid.NewString())
	if err := w.upload(key, data); err != nil {
		w.errorsCount.Add(1)
		metrics.ArchiveRecords.WithLabelValues("error").Add(float64(len(batch.Entries)))
		log.WithError(err).WithField("s3_key", key).Error("failed to upload liquidation batch")
		return
	}

	w.batchesWritten.Add(1)
	w.recordsWritten.Add(int64(len(batch.Entries)))
	w.bytesWritten.Add(int64(len(data)))
	metrics.ArchiveRecords.WithLabelValues("ok").Add(float64(len(batch.Entries)))
	logger.LogDataFlowEntry(log, "archive_channel", "s3", len(batch.Entries), "liquidations")
	log.WithFields(logger.Fields{
		"s3_key": key,
		"bytes":  len(data),
	}).Info("liquidation batch uploaded")
}

func createParquet(batch liquidationBatch) ([]byte, error) {
	mf := newLiquidationMemFile()
	pw, err := writer.NewParquetWriter(mf, new(liquidationRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range batch.Entries {
		e := entry.Event
		rec := liquidationRecord{
			Source:       strings.ToLower(batch.Source),
			Symbol:       strings.ToUpper(batch.Symbol),
			EventTime:    e.TimestampMs(),
			Side:         e.Side().String(),
			Size:         e.Size().String(),
			Price:        e.Price().String(),
			NotionalUsd:  e.NotionalUsd().String(),
			ReceivedTime: entry.ReceivedAt.UnixMilli(),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func (w *LiquidationWriter) upload(key string, data []byte) error {
	ctx := context.Background()
	if w.ctx != nil {
		ctx = context.WithoutCancel(w.ctx)
	}
	_, err := w.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	return err
}

func bufferKey(source, symbol string) string {
	src := strings.ToLower(strings.TrimSpace(source))
	if src == "" {
		src = "unknown"
	}
	return src + liquidationKeySeparator + strings.ToUpper(strings.TrimSpace(symbol))
}

func (w *LiquidationWriter) tickerInterval() time.Duration {
	if w.flushInterval < time.Second {
		return w.flushInterval
	}
	return time.Second
}

func (w *LiquidationWriter) generateS3Key(batch liquidationBatch, id string) string {
	timestamp := batch.Timestamp.UTC()

	var parts []string
	if w.prefix != "" {
		parts = append(parts, w.prefix)
	}
	parts = append(parts, fmt.Sprintf("exchange=%s", strings.ToLower(batch.Source)))
	if batch.Symbol != "" {
		parts = append(parts, fmt.Sprintf("symbol=%s", strings.ToUpper(batch.Symbol)))
	}

	timePath := strings.ReplaceAll(w.timeFormat, "{year}", fmt.Sprintf("%04d", timestamp.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", timestamp.Month()))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", timestamp.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", timestamp.Hour()))
	parts = append(parts, timePath)

	ts := timestamp.Format("20060102150405")
	filename := fmt.Sprintf("%s_liq_%s_%s_%s.parquet", strings.ToLower(batch.Source), strings.ToUpper(batch.Symbol), ts, id)
	return path.Join(append(parts, filename)...)
}

// Stats returns the writer counters together with the current backlog.
func (w *LiquidationWriter) Stats() metrics.WriterStats {
	w.mu.Lock()
	buffered := 0
	for _, entries := range w.buffer {
		buffered += len(entries)
	}
	w.mu.Unlock()

	return metrics.WriterStats{
		BatchesWritten: w.batchesWritten.Load(),
		RecordsWritten: w.recordsWritten.Load(),
		BytesWritten:   w.bytesWritten.Load(),
		ErrorsCount:    w.errorsCount.Load(),
		Buffered:       buffered,
		ChannelLen:     len(w.archive),
		ChannelCap:     cap(w.archive),
	}
}
