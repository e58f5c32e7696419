package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector tracks file service statistics using lock-free atomic counters.
// It is written by the transfer goroutine and read by /api/status.
type Collector struct {
	sessions          atomic.Int64
	transfersStarted  atomic.Int64
	transfersOK       atomic.Int64
	transfersFailed   atomic.Int64
	transfersCanceled atomic.Int64
	bytesReceived     atomic.Int64
	bytesSent         atomic.Int64
	filesDeleted      atomic.Int64
	startTime         time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	Sessions          int64         `json:"sessions"`
	TransfersStarted  int64         `json:"transfers_started"`
	TransfersOK       int64         `json:"transfers_ok"`
	TransfersFailed   int64         `json:"transfers_failed"`
	TransfersCanceled int64         `json:"transfers_canceled"`
	BytesReceived     int64         `json:"bytes_received"`
	BytesSent         int64         `json:"bytes_sent"`
	FilesDeleted      int64         `json:"files_deleted"`
	Uptime            time.Duration `json:"-"`
}

func (c *Collector) AddSessions(n int64)          { c.sessions.Add(n) }
func (c *Collector) AddTransfersStarted(n int64)  { c.transfersStarted.Add(n) }
func (c *Collector) AddTransfersOK(n int64)       { c.transfersOK.Add(n) }
func (c *Collector) AddTransfersFailed(n int64)   { c.transfersFailed.Add(n) }
func (c *Collector) AddTransfersCanceled(n int64) { c.transfersCanceled.Add(n) }
func (c *Collector) AddBytesReceived(n int64)     { c.bytesReceived.Add(n) }
func (c *Collector) AddBytesSent(n int64)         { c.bytesSent.Add(n) }
func (c *Collector) AddFilesDeleted(n int64)      { c.filesDeleted.Add(n) }

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Sessions:          c.sessions.Load(),
		TransfersStarted:  c.transfersStarted.Load(),
		TransfersOK:       c.transfersOK.Load(),
		TransfersFailed:   c.transfersFailed.Load(),
		TransfersCanceled: c.transfersCanceled.Load(),
		BytesReceived:     c.bytesReceived.Load(),
		BytesSent:         c.bytesSent.Load(),
		FilesDeleted:      c.filesDeleted.Load(),
		Uptime:            c.Uptime(),
	}
}

// Uptime returns time since collector creation.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"sessions=%d started=%d ok=%d failed=%d canceled=%d rx=%d tx=%d deleted=%d",
		s.Sessions, s.TransfersStarted, s.TransfersOK, s.TransfersFailed,
		s.TransfersCanceled, s.BytesReceived, s.BytesSent, s.FilesDeleted,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
