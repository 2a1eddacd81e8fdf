package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/store"
	"github.com/nhle/mailterm/tests/testutil"
)

func testMessage(folder, stableID string, uid uint32, date time.Time) model.Message {
	return model.Message{
		StableID:  stableID,
		UID:       uid,
		AccountID: "acc1",
		Folder:    folder,
		Subject:   "subject " + stableID,
		From:      "sender@example.com",
		FromName:  "Sender",
		To:        []string{"me@example.com"},
		Date:      date.UTC().Truncate(time.Second),
	}
}

func testCursor(folder string, uidValidity, uidNext uint32) store.SyncCursor {
	return store.SyncCursor{
		AccountID:   "acc1",
		Folder:      folder,
		UIDValidity: uidValidity,
		UIDNext:     uidNext,
		LastSync:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestApplyDeltaRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := store.Delta{
		Upserts: []model.Message{
			testMessage("INBOX", "<a@x>", 1, base),
			testMessage("INBOX", "<b@x>", 2, base.Add(time.Hour)),
		},
	}
	cur := testCursor("INBOX", 7, 3)
	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", d, cur))

	msgs, err := s.Messages(ctx, "acc1", "INBOX")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Newest first.
	assert.Equal(t, "<b@x>", msgs[0].StableID)
	assert.Equal(t, "<a@x>", msgs[1].StableID)
	assert.Equal(t, []string{"me@example.com"}, msgs[0].To)

	got, err := s.Cursor(ctx, "acc1", "INBOX")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint32(7), got.UIDValidity)
	assert.Equal(t, uint32(3), got.UIDNext)
}

func TestApplyDeltaIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	d := store.Delta{
		Upserts: []model.Message{
			testMessage("INBOX", "<a@x>", 1, time.Now()),
		},
	}
	cur := testCursor("INBOX", 1, 2)

	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", d, cur))
	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", d, cur))

	msgs, err := s.Messages(ctx, "acc1", "INBOX")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestApplyDeltaFlagUpdatesAndDeletes(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seed := store.Delta{
		Upserts: []model.Message{
			testMessage("INBOX", "<a@x>", 1, base),
			testMessage("INBOX", "<b@x>", 2, base.Add(time.Minute)),
		},
	}
	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", seed, testCursor("INBOX", 1, 3)))

	d := store.Delta{
		FlagUpdates: map[string]model.Flags{
			"<a@x>": model.FlagSeen | model.FlagStarred,
		},
		Deletes: []string{"<b@x>"},
	}
	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", d, testCursor("INBOX", 1, 3)))

	msgs, err := s.Messages(ctx, "acc1", "INBOX")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "<a@x>", msgs[0].StableID)
	assert.True(t, msgs[0].Flags.Has(model.FlagSeen))
	assert.True(t, msgs[0].Flags.Has(model.FlagStarred))
}

func TestApplyDeltaFullSyncPrunes(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seed := store.Delta{
		Upserts: []model.Message{
			testMessage("INBOX", "<old@x>", 1, base),
			testMessage("INBOX", "<kept@x>", 2, base.Add(time.Minute)),
		},
	}
	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", seed, testCursor("INBOX", 1, 3)))

	// New UIDVALIDITY generation: only <kept@x> still exists server-side.
	resync := store.Delta{
		Upserts: []model.Message{
			testMessage("INBOX", "<kept@x>", 9, base.Add(time.Minute)),
		},
		FullSync: true,
	}
	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", resync, testCursor("INBOX", 2, 10)))

	msgs, err := s.Messages(ctx, "acc1", "INBOX")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "<kept@x>", msgs[0].StableID)
	assert.Equal(t, uint32(9), msgs[0].UID)

	cur, err := s.Cursor(ctx, "acc1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cur.UIDValidity)
}

func TestFullSyncLeavesOtherFoldersAlone(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.ApplyDelta(ctx, "acc1", "Archive", store.Delta{
		Upserts: []model.Message{testMessage("Archive", "<arch@x>", 1, base)},
	}, testCursor("Archive", 1, 2)))

	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", store.Delta{
		FullSync: true,
	}, testCursor("INBOX", 1, 1)))

	msgs, err := s.Messages(ctx, "acc1", "Archive")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestListPageKeysetCursor(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var upserts []model.Message
	for i := 0; i < 5; i++ {
		id := string(rune('a'+i)) + "@x"
		upserts = append(upserts, testMessage("INBOX", "<"+id+">", uint32(i+1), base.Add(time.Duration(i)*time.Hour)))
	}
	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", store.Delta{Upserts: upserts}, testCursor("INBOX", 1, 6)))

	page1, cur, err := s.ListPage(ctx, "acc1", "INBOX", 2, nil)
	require.NoError(t, err)
	require.NotNil(t, cur)
	require.Len(t, page1, 2)
	assert.Equal(t, "<e@x>", page1[0].StableID)
	assert.Equal(t, "<d@x>", page1[1].StableID)

	// New mail arriving above must not shift the next page.
	newest := testMessage("INBOX", "<new@x>", 6, base.Add(10*time.Hour))
	require.NoError(t, s.UpsertMessage(ctx, newest))

	page2, cur, err := s.ListPage(ctx, "acc1", "INBOX", 2, cur)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "<c@x>", page2[0].StableID)
	assert.Equal(t, "<b@x>", page2[1].StableID)

	page3, cur, err := s.ListPage(ctx, "acc1", "INBOX", 2, cur)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "<a@x>", page3[0].StableID)
	assert.Nil(t, cur)
}

func TestListPageTiedDates(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	date := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", store.Delta{
		Upserts: []model.Message{
			testMessage("INBOX", "<a@x>", 1, date),
			testMessage("INBOX", "<b@x>", 2, date),
			testMessage("INBOX", "<c@x>", 3, date),
		},
	}, testCursor("INBOX", 1, 4)))

	page1, cur, err := s.ListPage(ctx, "acc1", "INBOX", 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, _, err := s.ListPage(ctx, "acc1", "INBOX", 2, cur)
	require.NoError(t, err)
	require.Len(t, page2, 1)

	seen := map[string]bool{}
	for _, m := range append(page1, page2...) {
		assert.False(t, seen[m.StableID], "message %s paged twice", m.StableID)
		seen[m.StableID] = true
	}
	assert.Len(t, seen, 3)
}

func TestUIDIndex(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	m := testMessage("INBOX", "<a@x>", 4, time.Now())
	m.Flags = model.FlagSeen
	require.NoError(t, s.ApplyDelta(ctx, "acc1", "INBOX", store.Delta{
		Upserts: []model.Message{m},
	}, testCursor("INBOX", 1, 5)))

	idx, err := s.UIDIndex(ctx, "acc1", "INBOX")
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, uint32(4), idx[0].UID)
	assert.Equal(t, "<a@x>", idx[0].StableID)
	assert.Equal(t, model.FlagSeen, idx[0].Flags)
}

func TestMoveMessage(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	m := testMessage("INBOX", "<a@x>", 1, time.Now())
	require.NoError(t, s.UpsertMessage(ctx, m))
	require.NoError(t, s.SaveBody(ctx, "acc1", "INBOX", "<a@x>", model.Body{Text: "hello"}))

	require.NoError(t, s.MoveMessage(ctx, "acc1", "INBOX", "<a@x>", "Archive"))

	gone, err := s.GetMessage(ctx, "acc1", "INBOX", "<a@x>")
	require.NoError(t, err)
	assert.Nil(t, gone)

	moved, err := s.GetMessage(ctx, "acc1", "Archive", "<a@x>")
	require.NoError(t, err)
	require.NotNil(t, moved)

	body, err := s.GetBody(ctx, "acc1", "Archive", "<a@x>")
	require.NoError(t, err)
	require.NotNil(t, body)
	assert.Equal(t, "hello", body.Text)
}

func TestGetMessageMissing(t *testing.T) {
	s := testutil.NewTestStore(t)

	m, err := s.GetMessage(context.Background(), "acc1", "INBOX", "<nope@x>")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestFoldersCounts(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	read := testMessage("INBOX", "<read@x>", 1, base)
	read.Flags = model.FlagSeen
	unread := testMessage("INBOX", "<unread@x>", 2, base)
	archived := testMessage("Archive", "<arch@x>", 3, base)

	require.NoError(t, s.UpsertMessage(ctx, read))
	require.NoError(t, s.UpsertMessage(ctx, unread))
	require.NoError(t, s.UpsertMessage(ctx, archived))

	folders, err := s.Folders(ctx, "acc1")
	require.NoError(t, err)
	require.Len(t, folders, 2)

	byName := map[string]model.Folder{}
	for _, f := range folders {
		byName[f.Name] = f
	}
	assert.Equal(t, 2, byName["INBOX"].Total)
	assert.Equal(t, 1, byName["INBOX"].Unread)
	assert.Equal(t, 1, byName["Archive"].Total)
	assert.Equal(t, 1, byName["Archive"].Unread)
}

func TestSaveBodyRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	m := testMessage("INBOX", "<a@x>", 1, time.Now())
	require.NoError(t, s.UpsertMessage(ctx, m))

	body := model.Body{
		Text: "plain text",
		HTML: "<p>plain text</p>",
		Raw:  []byte("raw bytes"),
		Attachments: []model.Attachment{
			{Filename: "report.pdf", Size: 1024, MIMEType: "application/pdf"},
		},
	}
	require.NoError(t, s.SaveBody(ctx, "acc1", "INBOX", "<a@x>", body))

	got, err := s.GetBody(ctx, "acc1", "INBOX", "<a@x>")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "plain text", got.Text)
	assert.Equal(t, []byte("raw bytes"), got.Raw)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "report.pdf", got.Attachments[0].Filename)

	upd, err := s.GetMessage(ctx, "acc1", "INBOX", "<a@x>")
	require.NoError(t, err)
	assert.True(t, upd.BodyCached)
}

func TestCachedBodyIDs(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessage(ctx, testMessage("INBOX", "<a@x>", 1, time.Now())))
	require.NoError(t, s.UpsertMessage(ctx, testMessage("INBOX", "<b@x>", 2, time.Now())))
	require.NoError(t, s.SaveBody(ctx, "acc1", "INBOX", "<a@x>", model.Body{Text: "x"}))

	cached, err := s.CachedBodyIDs(ctx, "acc1", "INBOX", []string{"<a@x>", "<b@x>"})
	require.NoError(t, err)
	assert.True(t, cached["<a@x>"])
	assert.False(t, cached["<b@x>"])

	empty, err := s.CachedBodyIDs(ctx, "acc1", "INBOX", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
