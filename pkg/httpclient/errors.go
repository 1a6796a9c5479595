// Copyright 2025 Kadir Pekel
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

package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError is returned by Client.Do once every attempt ended with a
// status the retry strategy considers transient.
type RetryableError struct {
	StatusCode int
	Attempts   int

	// RetryAfter is the delay the server asked for on the last response,
	// zero when it did not say.
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	msg := fmt.Sprintf("HTTP %d after %d attempts", e.StatusCode, e.Attempts)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", server asked to wait %v", e.RetryAfter)
	}
	return msg
}

// IsRetryable reports whether err, or anything it wraps, is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
