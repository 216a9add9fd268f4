package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type componentStat struct {
	warns  int64
	errors int64
}

type exchangeStat struct {
	fetches   int64
	snapshots int64
}

var (
	apiRequests    int64
	cacheHitsLocal int64
	cacheHitsShare int64
	archiveWrites  int64
	components     sync.Map // map[string]*componentStat
	exchanges      sync.Map // map[string]*exchangeStat
)

func recordWarn(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).warns, 1)
}

func recordError(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).errors, 1)
}

// RecordFetch counts a completed live fetch against an exchange together with
// the number of snapshots it yielded.
func RecordFetch(exchange string, snapshots int) {
	v, _ := exchanges.LoadOrStore(exchange, &exchangeStat{})
	es := v.(*exchangeStat)
	atomic.AddInt64(&es.fetches, 1)
	atomic.AddInt64(&es.snapshots, int64(snapshots))
}

// RecordCacheHit counts a snapshot request served from a cache layer.
func RecordCacheHit(layer string) {
	switch layer {
	case "shared":
		atomic.AddInt64(&cacheHitsShare, 1)
	default:
		atomic.AddInt64(&cacheHitsLocal, 1)
	}
}

func IncrementAPIRequest() {
	atomic.AddInt64(&apiRequests, 1)
}

func IncrementArchiveWrite() {
	atomic.AddInt64(&archiveWrites, 1)
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

// StartReport begins periodic logging of system and exchange statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	exchangeData := map[string]map[string]int64{}
	exchanges.Range(func(k, v any) bool {
		es := v.(*exchangeStat)
		exchangeData[k.(string)] = map[string]int64{
			"fetches":   atomic.LoadInt64(&es.fetches),
			"snapshots": atomic.LoadInt64(&es.snapshots),
		}
		return true
	})

	var warns, errors int64
	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		w := atomic.LoadInt64(&cs.warns)
		e := atomic.LoadInt64(&cs.errors)
		warns += w
		errors += e
		componentData[k.(string)] = map[string]int64{"warns": w, "errors": e}
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
		"warns":             warns,
		"errors":            errors,
		"api_requests":      atomic.LoadInt64(&apiRequests),
		"cache_hits_local":  atomic.LoadInt64(&cacheHitsLocal),
		"cache_hits_shared": atomic.LoadInt64(&cacheHitsShare),
		"archive_writes":    atomic.LoadInt64(&archiveWrites),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"exchanges":         exchangeData,
		"components":        componentData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Warns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(warns))},
		cwtypes.MetricDatum{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(errors))},
		cwtypes.MetricDatum{MetricName: aws.String("APIRequests"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&apiRequests)))},
		cwtypes.MetricDatum{MetricName: aws.String("CacheHitsLocal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&cacheHitsLocal)))},
		cwtypes.MetricDatum{MetricName: aws.String("CacheHitsShared"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&cacheHitsShare)))},
		cwtypes.MetricDatum{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&archiveWrites)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range exchangeData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ExchangeFetches"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Exchange"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["fetches"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ExchangeSnapshots"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Exchange"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["snapshots"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
