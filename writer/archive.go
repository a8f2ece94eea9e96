package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "unlockflow/config"
	"unlockflow/logger"
	"unlockflow/models"
)

// unlockRow defines the parquet schema for archived weekly unlock rows.
type unlockRow struct {
	CycleID   string  `parquet:"name=cycle_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Week      string  `parquet:"name=week, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token     string  `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	StartDate int64   `parquet:"name=start_date, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	EndDate   int64   `parquet:"name=end_date, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
	ValueUSD  float64 `parquet:"name=value_usd, type=DOUBLE"`
	Percent   float64 `parquet:"name=percent, type=DOUBLE"`
}

type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// ArchiveWriter persists every published dataset to S3 as a parquet file.
// Publish only enqueues; a single worker does the parquet encoding and upload
// so a slow S3 endpoint never blocks the aggregator.
type ArchiveWriter struct {
	cfg      *appconfig.Config
	s3Client *s3.Client
	queue    chan models.Dataset
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log

	datasetsWritten int64
	writeErrors     int64
}

// NewArchiveWriter initializes the writer with AWS credentials. Static
// credentials from config take precedence; otherwise the default chain is
// used.
func NewArchiveWriter(cfg *appconfig.Config) (*ArchiveWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})
	return &ArchiveWriter{
		cfg:      cfg,
		s3Client: s3Client,
		queue:    make(chan models.Dataset, 4),
		wg:       &sync.WaitGroup{},
		log:      log,
	}, nil
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.log.WithComponent("archive_writer").Info("archive writer started")
	return nil
}

func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

// Publish enqueues a dataset for archival. A full queue drops the dataset
// rather than stalling the pipeline; the next cycle supersedes it anyway.
func (w *ArchiveWriter) Publish(dataset models.Dataset) {
	select {
	case w.queue <- dataset:
	default:
		w.log.WithComponent("archive_writer").WithFields(logger.Fields{
			"cycle_id": dataset.CycleID,
		}).Warn("archive queue full, dataset dropped")
	}
}

func (w *ArchiveWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case dataset := <-w.queue:
			w.writeDataset(dataset)
		}
	}
}

func (w *ArchiveWriter) writeDataset(dataset models.Dataset) {
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"cycle_id": dataset.CycleID,
		"rows":     len(dataset.Rows),
	})

	start := time.Now()
	data, err := w.createParquet(dataset)
	if err != nil {
		w.writeErrors++
		log.WithError(err).Error("create parquet failed")
		return
	}

	key := w.s3Key(dataset)
	if err := w.upload(key, data); err != nil {
		w.writeErrors++
		log.WithError(err).Error("upload to s3 failed")
		return
	}

	w.datasetsWritten++
	logger.IncrementS3Write(int64(len(data)))
	log.WithFields(logger.Fields{
		"s3_key": key,
		"bytes":  len(data),
	}).Info("dataset archived")
	logger.LogPerformanceEntry(log, "archive_writer", "write_dataset", time.Since(start), logger.Fields{
		"s3_key": key,
	})
}

func (w *ArchiveWriter) createParquet(dataset models.Dataset) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(unlockRow), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range dataset.Rows {
		rec := unlockRow{
			CycleID:   dataset.CycleID,
			Week:      row.Week,
			Token:     row.Token,
			StartDate: row.StartDate.UnixMilli(),
			EndDate:   row.EndDate.UnixMilli(),
			Amount:    row.Amount,
			ValueUSD:  row.ValueUSD,
			Percent:   row.Percent,
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (w *ArchiveWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	_, err := w.s3Client.PutObject(w.ctx, input)
	return err
}

func (w *ArchiveWriter) s3Key(dataset models.Dataset) string {
	prefix := w.cfg.Storage.S3.Prefix
	if prefix == "" {
		prefix = "unlocks/weekly"
	}
	generated := dataset.GeneratedAt
	parts := []string{
		prefix,
		fmt.Sprintf("year=%04d", generated.Year()),
		fmt.Sprintf("month=%02d", int(generated.Month())),
		fmt.Sprintf("day=%02d", generated.Day()),
	}
	filename := fmt.Sprintf("unlocks_%s_%d.parquet", dataset.CycleID, generated.UnixNano())
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
