package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qqchat/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDirectConversationIsSymmetric(t *testing.T) {
	assert.Equal(t, DirectConversation("alice", "bob"), DirectConversation("bob", "alice"))
	assert.NotEqual(t, DirectConversation("alice", "bob"), GroupConversation("alice:bob"))
}

func TestSaveAndRecent(t *testing.T) {
	db := openTestDB(t)
	conv := DirectConversation("alice", "bob")
	base := time.UnixMilli(1_700_000_000_000)

	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, db.Save(models.HistoryEntry{
			Conversation: conv,
			Kind:         "TEXT_MESSAGE",
			Sender:       "alice",
			Receiver:     "bob",
			Content:      text,
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, db.Save(models.HistoryEntry{
		Conversation: GroupConversation("g1"),
		Kind:         "GROUP_MESSAGE",
		Sender:       "alice",
		Receiver:     "g1",
		Content:      "elsewhere",
		Timestamp:    base,
	}))

	entries, err := db.Recent(conv, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Content)
	assert.Equal(t, "three", entries[1].Content)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), entries[1].Timestamp.UnixMilli())

	all, err := db.Recent(conv, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	count, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestClear(t *testing.T) {
	db := openTestDB(t)
	conv := DirectConversation("alice", "bob")
	require.NoError(t, db.Save(models.HistoryEntry{Conversation: conv, Kind: "TEXT_MESSAGE", Sender: "alice", Receiver: "bob", Content: "hi"}))

	require.NoError(t, db.Clear(conv))
	entries, err := db.Recent(conv, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
