package queue

import (
	"bytes"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// Status of a queue item. A URL lives in at most one of the four
// status collections at any instant.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// validTransitions encodes the item state machine. completed is terminal;
// failed may only return to pending through recovery.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true},
	StatusProcessing: {StatusCompleted: true, StatusFailed: true, StatusPending: true},
	StatusFailed:     {StatusPending: true},
	StatusCompleted:  {},
}

func canTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Seconds is a float64 that tolerates string and integer JSON encodings.
// Older state files stored processing_time as a string; a value that does
// not parse loads as zero rather than failing the whole item.
type Seconds float64

func (s *Seconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			*s = 0
			return nil
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			*s = 0
			return nil
		}
		*s = Seconds(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*s = 0
		return nil
	}
	*s = Seconds(f)
	return nil
}

// Item is one video processing task.
type Item struct {
	URL       string `json:"url"`
	MessageID int64  `json:"message_id"`
	ChannelID int64  `json:"channel_id"`
	GuildID   int64  `json:"guild_id"`
	AuthorID  int64  `json:"author_id"`

	Priority int       `json:"priority"` // 0-10, higher first
	AddedAt  time.Time `json:"added_at"`

	Status         Status     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	LastRetry      *time.Time `json:"last_retry,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	ProcessingTime Seconds    `json:"processing_time"`

	HardwareAccelAttempted bool `json:"hardware_accel_attempted"`
	CompressionAttempted   bool `json:"compression_attempted"`

	Error           string     `json:"error,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastErrorTime   *time.Time `json:"last_error_time,omitempty"`
	ProcessingTimes []float64  `json:"processing_times,omitempty"`
	SizeBytes       int64      `json:"size_bytes"`
}

// startProcessing marks the item claimed by a worker.
func (i *Item) startProcessing(now time.Time) {
	i.Status = StatusProcessing
	t := now
	i.StartTime = &t
}

// finishProcessing records the outcome of one attempt. The caller decides
// the next status; this only closes out timing and error bookkeeping.
func (i *Item) finishProcessing(now time.Time, success bool, errMsg string) {
	if i.StartTime != nil {
		i.ProcessingTime = Seconds(now.Sub(*i.StartTime).Seconds())
		i.ProcessingTimes = append(i.ProcessingTimes, float64(i.ProcessingTime))
		if len(i.ProcessingTimes) > 100 {
			i.ProcessingTimes = i.ProcessingTimes[len(i.ProcessingTimes)-100:]
		}
	}
	i.StartTime = nil
	if !success {
		i.Error = errMsg
		i.LastError = errMsg
		t := now
		i.LastErrorTime = &t
	}
}

// resetForRetry clears per-attempt state so the item can be claimed again.
func (i *Item) resetForRetry(now time.Time) {
	i.Status = StatusPending
	i.StartTime = nil
	i.ProcessingTime = 0
	t := now
	i.LastRetry = &t
}

// before orders pending items by (-priority, added_at).
func (i *Item) before(other *Item) bool {
	if i.Priority != other.Priority {
		return i.Priority > other.Priority
	}
	return i.AddedAt.Before(other.AddedAt)
}
