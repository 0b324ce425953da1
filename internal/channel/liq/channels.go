package liq

import (
	"context"
	"sync"
	"sync/atomic"

	metrics "liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/logger"
)

type ChannelStats struct {
	RawSent        int64
	RawWaits       int64
	ArchiveSent    int64
	ArchiveDropped int64
	RawLen         int
	RawCap         int
	ArchiveLen     int
	ArchiveCap     int
}

// Channels connects the readers to the ingestor (Raw) and the ingestor to the
// archive writer (Archive). Archive is nil when archiving is disabled.
type Channels struct {
	Raw     chan models.RawLiquidationMessage
	Archive chan models.ArchivedLiquidation

	rawSent        atomic.Int64
	rawWaits       atomic.Int64
	archiveSent    atomic.Int64
	archiveDropped atomic.Int64

	closeOnce sync.Once
	log       *logger.Log
}

func NewChannels(rawBufferSize, archiveBufferSize int) *Channels {
	log := logger.GetLogger()
	if rawBufferSize < 1 {
		rawBufferSize = 1
	}
	c := &Channels{
		Raw: make(chan models.RawLiquidationMessage, rawBufferSize),
		log: log,
	}
	if archiveBufferSize > 0 {
		c.Archive = make(chan models.ArchivedLiquidation, archiveBufferSize)
	}

	log.WithComponent("liq_channels").WithFields(logger.Fields{
		"raw_buffer_size":     rawBufferSize,
		"archive_buffer_size": archiveBufferSize,
	}).Info("liquidation channels initialized")

	return c
}

// Close closes both channels. Senders must have stopped before Close is called.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		if c.Archive != nil {
			close(c.Archive)
		}
		c.log.WithComponent("liq_channels").Info("liquidation channels closed")
	})
}

// SendRaw hands msg to the ingestor. Raw frames are never dropped: a full
// channel is counted as a wait and the call blocks until there is room or ctx
// ends. It reports whether the message was delivered.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawLiquidationMessage) bool {
	select {
	case c.Raw <- msg:
		c.rawSent.Add(1)
		return true
	default:
	}

	c.rawWaits.Add(1)
	metrics.RawChannelWaits.Inc()
	metrics.EmitPressureMetric(c.log, metrics.PressureRawWait, msg.Source, msg.Symbol, "raw")

	select {
	case c.Raw <- msg:
		c.rawSent.Add(1)
		return true
	case <-ctx.Done():
		return false
	}
}

// SendArchive forwards an accepted event to the archive writer without
// blocking ingestion. A full or disabled channel drops the record.
func (c *Channels) SendArchive(rec models.ArchivedLiquidation) bool {
	if c.Archive == nil {
		return false
	}
	select {
	case c.Archive <- rec:
		c.archiveSent.Add(1)
		return true
	default:
		c.archiveDropped.Add(1)
		metrics.EmitPressureMetric(c.log, metrics.PressureArchiveDrop, rec.Source, rec.Symbol, "archive")
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	s := ChannelStats{
		RawSent:        c.rawSent.Load(),
		RawWaits:       c.rawWaits.Load(),
		ArchiveSent:    c.archiveSent.Load(),
		ArchiveDropped: c.archiveDropped.Load(),
		RawLen:         len(c.Raw),
		RawCap:         cap(c.Raw),
	}
	if c.Archive != nil {
		s.ArchiveLen = len(c.Archive)
		s.ArchiveCap = cap(c.Archive)
	}
	return s
}
