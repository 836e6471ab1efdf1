package models

import (
	"time"
)

// RetryJob represents a scheduled retry for a purchase job
type RetryJob struct {
	Job         PurchaseJob
	RetryCount  int
	NextAttempt time.Time
	ErrorType   string // Type of error that caused the retry
}
