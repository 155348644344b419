// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobqueue

import (
	"errors"
	"fmt"
)

var (
	ErrQueueNotFound     = errors.New("queue not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrQueueClosed       = errors.New("queue closed")
	ErrInvalidPayload    = errors.New("invalid job payload")
)

// RateLimitError 会话超出准入限额；errors.Is(err, ErrRateLimitExceeded) 为 true
type RateLimitError struct {
	SessionID string
	Limit     int64
	Count     int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for session %s: limit %d jobs per window", e.SessionID, e.Limit)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

func queueNotFound(name string) error {
	return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
}
