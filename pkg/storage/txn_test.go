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

package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecore/sage/pkg/config"
	"github.com/sagecore/sage/pkg/resilience"
	"github.com/sagecore/sage/pkg/types"
)

func TestWithinTransactionNilManagerRunsDirect(t *testing.T) {
	var m *TxnManager

	ran := false
	err := m.WithinTransaction(context.Background(), ReadCommitted, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	want := errors.New("boom")
	err = m.WithinTransaction(context.Background(), ReadCommitted, func(context.Context) error {
		return want
	})
	assert.Equal(t, want, err)
}

func TestSaveWithoutTxnManagerDoesNotPanic(t *testing.T) {
	// an unconnected DB has no transaction manager; the write path must
	// degrade to a direct sequential call instead of dereferencing nil
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil)
	db := NewDB(config.DatabaseConfig{
		Host: "127.0.0.1", Port: 1, Name: "none", User: "none",
		SSLMode: "disable", CommandTimeoutSeconds: 1,
	}, 4, breakers, nil)
	require.Nil(t, db.Txns())

	store := NewStore(db, 4, nil)

	// cancelled context makes the lazy connect fail immediately
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sid := "s1"
	assert.NotPanics(t, func() {
		_, err := store.Save(ctx, types.SaveRequest{
			UserInput:         "hi",
			AssistantResponse: "there",
			SessionID:         &sid,
		}, []float32{1, 0, 0, 0})
		assert.Error(t, err)
	})
}

func TestIsolationLevelMapping(t *testing.T) {
	assert.Equal(t, "read uncommitted", string(ReadUncommitted.pgx()))
	assert.Equal(t, "read committed", string(ReadCommitted.pgx()))
	assert.Equal(t, "repeatable read", string(RepeatableRead.pgx()))
	assert.Equal(t, "serializable", string(Serializable.pgx()))
	assert.Equal(t, "read committed", string(IsolationLevel("bogus").pgx()))
}
