package index

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*DB, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db, err := Open(filepath.Join(t.TempDir(), "index.db"), clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, clk
}

func update(t *testing.T, db *DB, fn func(*Tx) error) {
	t.Helper()
	require.NoError(t, db.Update(context.Background(), fn))
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	clk := clock.NewFakeClock(time.Now())

	db, err := Open(path, clk)
	require.NoError(t, err)
	require.NoError(t, db.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.InsertProfile("Vanilla", "")
		return err
	}))
	require.NoError(t, db.Close())

	db, err = Open(path, clk)
	require.NoError(t, err)
	defer db.Close()

	var p *Profile
	require.NoError(t, db.View(context.Background(), func(tx *Tx) error {
		p, err = tx.GetProfile("Vanilla")
		return err
	}))
	require.NotNil(t, p)
}

func TestProfiles(t *testing.T) {
	db, clk := openTestDB(t)
	ctx := context.Background()

	update(t, db, func(tx *Tx) error {
		_, err := tx.InsertProfile("Vanilla", "stock game")
		return err
	})
	clk.Advance(time.Minute)
	update(t, db, func(tx *Tx) error {
		_, err := tx.InsertProfile("Modded", "")
		return err
	})

	t.Run("duplicate is a validation error", func(t *testing.T) {
		err := db.Update(ctx, func(tx *Tx) error {
			_, err := tx.InsertProfile("Vanilla", "")
			return err
		})
		assert.True(t, errors.Is(err, apperr.ErrValidation), "got %v", err)
	})

	t.Run("list is most recently used first", func(t *testing.T) {
		clk.Advance(time.Minute)
		update(t, db, func(tx *Tx) error { return tx.TouchProfile("Vanilla") })

		var names []string
		require.NoError(t, db.View(ctx, func(tx *Tx) error {
			list, err := tx.ListProfiles()
			for _, p := range list {
				names = append(names, p.Name)
			}
			return err
		}))
		assert.Equal(t, []string{"Vanilla", "Modded"}, names)
	})

	t.Run("rename re-keys entries", func(t *testing.T) {
		update(t, db, func(tx *Tx) error {
			return tx.PutEntry(Entry{Profile: "Modded", Path: "data/a.dat", Kind: KindTombstone})
		})
		update(t, db, func(tx *Tx) error { return tx.RenameProfile("Modded", "Modded2") })

		require.NoError(t, db.View(ctx, func(tx *Tx) error {
			old, err := tx.ListEntries("Modded")
			require.NoError(t, err)
			assert.Empty(t, old)

			moved, err := tx.ListEntries("Modded2")
			require.NoError(t, err)
			assert.Len(t, moved, 1)
			return nil
		}))
	})

	t.Run("rename onto existing name fails", func(t *testing.T) {
		err := db.Update(ctx, func(tx *Tx) error { return tx.RenameProfile("Modded2", "Vanilla") })
		assert.True(t, errors.Is(err, apperr.ErrValidation), "got %v", err)
	})

	t.Run("delete missing profile is not found", func(t *testing.T) {
		err := db.Update(ctx, func(tx *Tx) error { return tx.DeleteProfile("ghost") })
		assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
	})
}

func TestEntries(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	update(t, db, func(tx *Tx) error {
		for _, e := range []Entry{
			{Profile: "p", Path: "data/handling.cfg", Kind: KindFile, Hash: "h1"},
			{Profile: "p", Path: "data/maps/la.ipl", Kind: KindTombstone},
			{Profile: "p", Path: "data_extra/x.txt", Kind: KindFile, Hash: "h2"},
			{Profile: "p", Path: "data_b.txt", Kind: KindFile, Hash: "h2"},
			{Profile: "q", Path: "data/handling.cfg", Kind: KindFile, Hash: "h1"},
		} {
			if err := tx.PutEntry(e); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		e, err := tx.GetEntry("p", "data/handling.cfg")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, KindFile, e.Kind)
		assert.Equal(t, "h1", e.Hash)

		missing, err := tx.GetEntry("p", "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		under, err := tx.ListEntriesUnder("p", "data")
		require.NoError(t, err)
		var paths []string
		for _, e := range under {
			paths = append(paths, e.Path)
		}
		assert.Equal(t, []string{"data/handling.cfg", "data/maps/la.ipl"}, paths,
			"prefix match must stop at the path separator")

		n, err := tx.CountEntriesUnder("p", "data", KindFile)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		refs, err := tx.CountReferences("h1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), refs)
		return nil
	}))

	t.Run("file entry without hash is rejected", func(t *testing.T) {
		err := db.Update(ctx, func(tx *Tx) error {
			return tx.PutEntry(Entry{Profile: "p", Path: "x", Kind: KindFile})
		})
		assert.True(t, errors.Is(err, apperr.ErrValidation))
	})

	t.Run("delete reports existence", func(t *testing.T) {
		update(t, db, func(tx *Tx) error {
			ok, err := tx.DeleteEntry("p", "data_b.txt")
			assert.True(t, ok)
			return err
		})
		update(t, db, func(tx *Tx) error {
			ok, err := tx.DeleteEntry("p", "data_b.txt")
			assert.False(t, ok)
			return err
		})
	})
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.RegisterBlob("h", 10); err != nil {
			return err
		}
		if err := tx.IncrementRef("h"); err != nil {
			return err
		}
		if err := tx.PutEntry(Entry{Profile: "p", Path: "a", Kind: KindFile, Hash: "h"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		b, err := tx.GetBlob("h")
		require.NoError(t, err)
		assert.Nil(t, b, "blob registration should be rolled back")

		e, err := tx.GetEntry("p", "a")
		require.NoError(t, err)
		assert.Nil(t, e, "entry should be rolled back")
		return nil
	}))
}

func TestBlobRefcounts(t *testing.T) {
	db, clk := openTestDB(t)
	ctx := context.Background()
	start := clk.Now()

	update(t, db, func(tx *Tx) error { return tx.RegisterBlob("h", 42) })

	get := func() *Blob {
		var b *Blob
		require.NoError(t, db.View(ctx, func(tx *Tx) error {
			var err error
			b, err = tx.GetBlob("h")
			return err
		}))
		require.NotNil(t, b)
		return b
	}

	b := get()
	assert.Equal(t, int64(0), b.RefCount)
	require.NotNil(t, b.ZeroSince)
	assert.True(t, b.ZeroSince.Equal(start))

	update(t, db, func(tx *Tx) error { return tx.IncrementRef("h") })
	update(t, db, func(tx *Tx) error { return tx.IncrementRef("h") })
	b = get()
	assert.Equal(t, int64(2), b.RefCount)
	assert.Nil(t, b.ZeroSince)

	clk.Advance(time.Hour)
	update(t, db, func(tx *Tx) error { return tx.DecrementRef("h") })
	assert.Nil(t, get().ZeroSince, "still referenced")

	update(t, db, func(tx *Tx) error { return tx.DecrementRef("h") })
	b = get()
	assert.Equal(t, int64(0), b.RefCount)
	require.NotNil(t, b.ZeroSince)
	assert.True(t, b.ZeroSince.Equal(start.Add(time.Hour)))

	t.Run("decrement below zero fails", func(t *testing.T) {
		err := db.Update(ctx, func(tx *Tx) error { return tx.DecrementRef("h") })
		assert.True(t, errors.Is(err, apperr.ErrIntegrity), "got %v", err)
		assert.Equal(t, int64(0), get().RefCount)
	})

	t.Run("increment unknown blob is not found", func(t *testing.T) {
		err := db.Update(ctx, func(tx *Tx) error { return tx.IncrementRef("missing") })
		assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
	})

	t.Run("re-register restarts grace period", func(t *testing.T) {
		clk.Advance(time.Hour)
		update(t, db, func(tx *Tx) error { return tx.RegisterBlob("h", 42) })
		assert.True(t, get().ZeroSince.Equal(clk.Now()))
	})
}

func TestCollectable(t *testing.T) {
	db, clk := openTestDB(t)
	ctx := context.Background()

	update(t, db, func(tx *Tx) error { return tx.RegisterBlob("old", 1) })
	clk.Advance(2 * time.Hour)
	update(t, db, func(tx *Tx) error {
		if err := tx.RegisterBlob("fresh", 1); err != nil {
			return err
		}
		if err := tx.RegisterBlob("held", 1); err != nil {
			return err
		}
		return tx.IncrementRef("held")
	})

	cutoff := clk.Now().Add(-time.Hour)
	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		list, err := tx.ListCollectable(cutoff)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "old", list[0].Hash)
		return nil
	}))

	update(t, db, func(tx *Tx) error {
		ok, err := tx.DeleteBlobIfCollectable("held", cutoff)
		assert.False(t, ok)
		if err != nil {
			return err
		}
		ok, err = tx.DeleteBlobIfCollectable("old", cutoff)
		assert.True(t, ok)
		return err
	})

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		s, err := tx.Stats()
		require.NoError(t, err)
		assert.Equal(t, BlobStats{Count: 2, Bytes: 2, Unreferenced: 1}, s)
		return nil
	}))
}

func TestCheckRefcounts(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	update(t, db, func(tx *Tx) error {
		if err := tx.RegisterBlob("good", 1); err != nil {
			return err
		}
		if err := tx.IncrementRef("good"); err != nil {
			return err
		}
		return tx.PutEntry(Entry{Profile: "p", Path: "a", Kind: KindFile, Hash: "good"})
	})

	mismatches, err := db.CheckRefcounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	update(t, db, func(tx *Tx) error {
		if err := tx.RegisterBlob("leaked", 1); err != nil {
			return err
		}
		if err := tx.IncrementRef("leaked"); err != nil {
			return err
		}
		return tx.PutEntry(Entry{Profile: "p", Path: "b", Kind: KindFile, Hash: "dangling"})
	})

	mismatches, err = db.CheckRefcounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []RefMismatch{
		{Hash: "dangling", RefCount: -1, Entries: 1},
		{Hash: "leaked", RefCount: 1, Entries: 0},
	}, mismatches)
}
