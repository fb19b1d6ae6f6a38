package messaging

import "time"

// SendResult is the outcome of exactly one send attempt.
type SendResult struct {
	Success      bool      `json:"success"`
	MessageID    string    `json:"message_id"`
	Topic        string    `json:"topic"`
	Partition    *int      `json:"partition,omitempty"`
	Offset       *int64    `json:"offset,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Err          error     `json:"-"`
}

// Succeeded builds a successful result. Partition and offset are only known
// for log-style backends and may be nil.
func Succeeded(messageID, topic string, partition *int, offset *int64) SendResult {
	return SendResult{
		Success:   true,
		MessageID: messageID,
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Timestamp: time.Now(),
	}
}

// Failed builds a failed result carrying err.
func Failed(messageID, topic string, err error) SendResult {
	r := SendResult{
		MessageID: messageID,
		Topic:     topic,
		Timestamp: time.Now(),
		Err:       err,
	}
	if err != nil {
		r.ErrorMessage = err.Error()
	}
	return r
}
