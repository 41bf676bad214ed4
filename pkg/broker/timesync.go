package broker

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync corrects for clock drift against an exchange's server time
// before timestamping signed requests. Of the adapters in this module,
// only the Binance client uses it.
type TimeSync struct {
	getServerTime func() (int64, error)
	offset        int64 // milliseconds offset (server - local)
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
}

// NewTimeSync builds a time-sync helper backed by getServerTime.
func NewTimeSync(getServerTime func() (int64, error)) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
	}
}

// Start runs an initial sync and then re-syncs on a ticker until ctx ends.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		log.Printf("⚠️ initial time sync failed: %v", err)
	}

	ticker := time.NewTicker(ts.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					log.Printf("⚠️ time sync failed: %v", err)
				}
			}
		}
	}()
}

// Sync performs one round-trip time-sync exchange.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime()
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	networkLatency := (localAfter - localBefore) / 2
	localTime := localBefore + networkLatency

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	return nil
}

// Now returns current time adjusted for the measured server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
