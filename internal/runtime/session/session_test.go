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

package session

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizassist/internal/storage/pgschema"
)

func TestNew(t *testing.T) {
	s := New("sid1", "u1")
	assert.Equal(t, "sid1", s.ID)
	assert.True(t, s.OwnedBy("u1"))
	assert.False(t, s.OwnedBy("u2"))
	assert.False(t, s.OwnedBy(""))

	s2 := New("", "u1")
	assert.NotEmpty(t, s2.ID)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s, err := NewMemoryStore().Get(context.Background(), "none")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestMemoryStore_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.Put(ctx, New("s1", "u1")))
	got, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	got.UserID = "mallory"
	again, _ := st.Get(ctx, "s1")
	assert.Equal(t, "u1", again.UserID)
}

func TestManager_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	s, err := m.GetOrCreate(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)

	again, err := m.GetOrCreate(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)

	_, err = m.GetOrCreate(ctx, "s1", "u2")
	assert.ErrorIs(t, err, ErrOwnerMismatch)

	fresh, err := m.GetOrCreate(ctx, "", "u3")
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.ID)
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres session tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, pgschema.Apply(ctx, pool))

	st := NewPostgresStore(pool)
	require.NoError(t, st.Put(ctx, New("pg-sess-1", "u1")))
	got, err := st.Get(ctx, "pg-sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)

	missing, err := st.Get(ctx, "pg-sess-missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
