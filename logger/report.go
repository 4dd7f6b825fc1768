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
	errorsFeed      int64
	errorsStore     int64
	warnsFeed       int64
	warnsStore      int64
	feedEvents      int64
	quoteWrites     int64
	retainedAppends int64
	refreshes       int64
	fallbackCalls   int64
	alertsSent      int64
	archiveWrites   int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "feed") || strings.Contains(component, "supervisor") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "store") {
		atomic.AddInt64(&warnsStore, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "feed") || strings.Contains(component, "supervisor") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "store") {
		atomic.AddInt64(&errorsStore, 1)
	}
}

func IncrementFeedEvent(size int) {
	atomic.AddInt64(&feedEvents, 1)
	recordChannel("feed_events", size)
}

func IncrementQuoteWrite() {
	atomic.AddInt64(&quoteWrites, 1)
}

func IncrementRetainedAppend(size int) {
	atomic.AddInt64(&retainedAppends, 1)
	recordChannel("retained_appends", size)
}

func IncrementRefresh() {
	atomic.AddInt64(&refreshes, 1)
}

func IncrementFallbackCompute() {
	atomic.AddInt64(&fallbackCalls, 1)
}

func IncrementAlertSent() {
	atomic.AddInt64(&alertsSent, 1)
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("archive_writes", int(size))
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

// StartReport begins periodic logging of system and pipeline statistics.
// It exposes the internal startReport function for use by other packages.
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
		"errors_feed":      atomic.LoadInt64(&errorsFeed),
		"errors_store":     atomic.LoadInt64(&errorsStore),
		"warns_feed":       atomic.LoadInt64(&warnsFeed),
		"warns_store":      atomic.LoadInt64(&warnsStore),
		"feed_events":      atomic.LoadInt64(&feedEvents),
		"quote_writes":     atomic.LoadInt64(&quoteWrites),
		"retained_appends": atomic.LoadInt64(&retainedAppends),
		"refreshes":        atomic.LoadInt64(&refreshes),
		"fallback_calls":   atomic.LoadInt64(&fallbackCalls),
		"alerts_sent":      atomic.LoadInt64(&alertsSent),
		"archive_writes":   atomic.LoadInt64(&archiveWrites),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("FeedEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["feed_events"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("QuoteWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["quote_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RetainedAppends"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["retained_appends"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Refreshes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["refreshes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FallbackComputes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fallback_calls"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("AlertsSent"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["alerts_sent"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStore"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_store"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsStore"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_store"].(int64)))},
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
