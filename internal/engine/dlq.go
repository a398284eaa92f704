package engine

import (
	"context"

	"loom/internal/cache"
	"loom/internal/logging"
)

// DLQHandler receives node executions that exhausted their retry budget. The
// executor always calls the handler; enabling or disabling the dead-letter
// queue is a matter of which implementation is wired in.
type DLQHandler interface {
	Publish(ctx context.Context, entry *cache.DLQEntry)
	Entry(ctx context.Context, entryID string) *cache.DLQEntry
	Entries(ctx context.Context, filter cache.DLQFilter) []*cache.DLQEntry
	Update(ctx context.Context, entry *cache.DLQEntry)
	Remove(ctx context.Context, entryID string)
	Purge(ctx context.Context, filter cache.DLQFilter) int
	Stats(ctx context.Context) cache.DLQStats
}

// ActiveDLQ stores and indexes dead-letter entries in the execution cache.
type ActiveDLQ struct {
	cache  cache.Cache
	logger logging.Logger
}

// NewActiveDLQ builds the storing handler.
func NewActiveDLQ(c cache.Cache, logger logging.Logger) *ActiveDLQ {
	return &ActiveDLQ{cache: c, logger: logging.OrNop(logger)}
}

func (d *ActiveDLQ) Publish(ctx context.Context, entry *cache.DLQEntry) {
	if err := d.cache.AddToDLQ(ctx, entry); err != nil {
		d.logger.Error("DLQ: failed to publish entry %s for node %s: %v", entry.ID, entry.NodeID, err)
		return
	}
	d.logger.Warn("DLQ: node %s (%s) dead-lettered after %d attempts: %s",
		entry.NodeID, entry.NodeType, entry.RetryCount, entry.Error)
}

func (d *ActiveDLQ) Entry(ctx context.Context, entryID string) *cache.DLQEntry {
	return d.cache.GetDLQEntry(ctx, entryID)
}

func (d *ActiveDLQ) Entries(ctx context.Context, filter cache.DLQFilter) []*cache.DLQEntry {
	return d.cache.GetDLQEntries(ctx, filter)
}

func (d *ActiveDLQ) Update(ctx context.Context, entry *cache.DLQEntry) {
	if err := d.cache.UpdateDLQEntry(ctx, entry); err != nil {
		d.logger.Error("DLQ: failed to update entry %s: %v", entry.ID, err)
	}
}

func (d *ActiveDLQ) Remove(ctx context.Context, entryID string) {
	if err := d.cache.RemoveFromDLQ(ctx, entryID); err != nil {
		d.logger.Error("DLQ: failed to remove entry %s: %v", entryID, err)
	}
}

func (d *ActiveDLQ) Purge(ctx context.Context, filter cache.DLQFilter) int {
	return d.cache.PurgeDLQ(ctx, filter)
}

func (d *ActiveDLQ) Stats(ctx context.Context) cache.DLQStats {
	return d.cache.GetDLQStats(ctx)
}

// NullDLQ discards everything. Wired in when the dead-letter queue is
// disabled so the executor never branches on configuration.
type NullDLQ struct{}

func (NullDLQ) Publish(context.Context, *cache.DLQEntry) {}

func (NullDLQ) Entry(context.Context, string) *cache.DLQEntry { return nil }

func (NullDLQ) Entries(context.Context, cache.DLQFilter) []*cache.DLQEntry { return nil }

func (NullDLQ) Update(context.Context, *cache.DLQEntry) {}

func (NullDLQ) Remove(context.Context, string) {}

func (NullDLQ) Purge(context.Context, cache.DLQFilter) int { return 0 }

func (NullDLQ) Stats(context.Context) cache.DLQStats { return cache.DLQStats{} }
