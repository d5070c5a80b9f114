// Copyright 2026 Sage Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sagecore/sage/pkg/sageerr"
)

// SessionManager holds the process-local current session id. Sessions
// are not persisted entities; the id is just a grouping label on
// records, minted fresh at startup.
type SessionManager struct {
	mu      sync.RWMutex
	current string
}

// NewSessionManager mints an initial session id.
func NewSessionManager() *SessionManager {
	return &SessionManager{current: uuid.NewString()}
}

// Current returns the active session id.
func (s *SessionManager) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Create mints a new session id and makes it current.
func (s *SessionManager) Create() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	return id
}

// Switch makes an existing id current. Concurrent switches are
// last-writer-wins.
func (s *SessionManager) Switch(id string) error {
	if id == "" {
		return sageerr.New(sageerr.KindValidation, "session id must not be empty")
	}
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	return nil
}
