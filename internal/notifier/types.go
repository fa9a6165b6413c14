package notifier

import "time"

// Config controls the alert pipeline.
type Config struct {
	Enabled         bool
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Alert is one message for every owner. Priority >= 7 gets a warning prefix.
type Alert struct {
	Text     string
	Priority int
}

type HistoryItem struct {
	At   time.Time
	Text string
}
