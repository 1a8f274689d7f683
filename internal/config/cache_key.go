package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionAnswersKey returns the hash holding a session's answers (field = question id).
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionChannel returns the Redis PubSub channel for one session's proctoring stream.
func (r *CacheKeyStruct) SessionChannel(sessionID string) string {
	return fmt.Sprintf("proctor:session:%s", sessionID)
}

// SessionChannelPattern matches every session channel.
func (r *CacheKeyStruct) SessionChannelPattern() string {
	return "proctor:session:*"
}

var CacheKey = NewCacheKeyStruct()
