package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFetch       int64
	errorsProcess     int64
	warnsFetch        int64
	warnsProcess      int64
	emissionReads     int64
	tokenListReads    int64
	recordsFlattened  int64
	datasetsPublished int64
	s3Writes          int64
	channels          sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") || strings.Contains(component, "client") {
		atomic.AddInt64(&warnsFetch, 1)
	} else {
		atomic.AddInt64(&warnsProcess, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") || strings.Contains(component, "client") {
		atomic.AddInt64(&errorsFetch, 1)
	} else {
		atomic.AddInt64(&errorsProcess, 1)
	}
}

// IncrementEmissionRead records a completed emission fetch of the given
// payload size.
func IncrementEmissionRead(size int) {
	atomic.AddInt64(&emissionReads, 1)
	recordChannel("emission_rest", size)
}

// IncrementTokenListRead records a completed token list fetch.
func IncrementTokenListRead(size int) {
	atomic.AddInt64(&tokenListReads, 1)
	recordChannel("token_list_rest", size)
}

// AddRecordsFlattened adds to the running count of flattened unlock records.
func AddRecordsFlattened(n int) {
	atomic.AddInt64(&recordsFlattened, int64(n))
}

// IncrementDatasetPublished records a dataset publication to the dashboard.
func IncrementDatasetPublished() {
	atomic.AddInt64(&datasetsPublished, 1)
}

// IncrementS3Write records an archive upload of the given size.
func IncrementS3Write(size int64) {
	atomic.AddInt64(&s3Writes, 1)
	recordChannel("s3_archive_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_fetch":       atomic.LoadInt64(&errorsFetch),
		"errors_process":     atomic.LoadInt64(&errorsProcess),
		"warns_fetch":        atomic.LoadInt64(&warnsFetch),
		"warns_process":      atomic.LoadInt64(&warnsProcess),
		"emission_reads":     atomic.LoadInt64(&emissionReads),
		"token_list_reads":   atomic.LoadInt64(&tokenListReads),
		"records_flattened":  atomic.LoadInt64(&recordsFlattened),
		"datasets_published": atomic.LoadInt64(&datasetsPublished),
		"s3_writes":          atomic.LoadInt64(&s3Writes),
		"goroutines":         runtime.NumGoroutine(),
		"cpu_percent":        cpuPct,
		"memory_mb":          int64(memStats.Used) / 1024 / 1024,
		"disk_mb":            int64(diskStats.Used) / 1024 / 1024,
		"channels":           channelData,
		"net_bytes_sent":     int64(bytesSent),
		"net_bytes_recv":     int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsProcess"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_process"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsProcess"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_process"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EmissionReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["emission_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("TokenListReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["token_list_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RecordsFlattened"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["records_flattened"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("DatasetsPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["datasets_published"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("S3Writes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["s3_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
