package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// TimerCheckpointKey returns the cache key holding a session's remaining seconds
func (r *CacheKeyStruct) TimerCheckpointKey(examID, testTakerID string) string {
	return fmt.Sprintf("taker:%s:exam:%s:timer", testTakerID, examID)
}

// ShuffledQuestionKey returns the cache key for a test-taker's shuffled question order
func (r *CacheKeyStruct) ShuffledQuestionKey(examID, testTakerID string) string {
	return fmt.Sprintf("taker:%s:exam:%s:shuffled_questions", testTakerID, examID)
}

// SessionResultKey returns the cache key holding a finished session's result.
// It is written once and never expires: a finished session cannot be retaken.
func (r *CacheKeyStruct) SessionResultKey(examID, testTakerID string) string {
	return fmt.Sprintf("taker:%s:exam:%s:result", testTakerID, examID)
}

// ExamDefinitionKey returns the cache key for an exam definition
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
