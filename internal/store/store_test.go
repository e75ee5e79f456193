package store

import (
	"path/filepath"
	"testing"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	env, err := Open(filepath.Join(t.TempDir(), "test.db"), "test")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func TestUpdateAndViewRoundTrip(t *testing.T) {
	env := openTestEnv(t)

	err := env.Update(func(tx RwTx) error {
		b, err := tx.CreateTableIfNotExists("widgets")
		if err != nil {
			return err
		}
		return b.Put([]byte("a"), []byte("1"))
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	err = env.View(func(tx Tx) error {
		got := tx.Table("widgets").Get([]byte("a"))
		if string(got) != "1" {
			t.Fatalf("Get(a) = %q, want \"1\"", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
}

func TestViewOnMissingTableReturnsEmptyBucket(t *testing.T) {
	env := openTestEnv(t)

	err := env.View(func(tx Tx) error {
		b := tx.Table("nonexistent")
		if v := b.Get([]byte("x")); v != nil {
			t.Fatalf("Get() on a missing table = %v, want nil", v)
		}
		if k, _ := b.Cursor().First(); k != nil {
			t.Fatal("Cursor().First() on a missing table should yield nothing")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
}

func TestPrefixIter(t *testing.T) {
	env := openTestEnv(t)
	err := env.Update(func(tx RwTx) error {
		b, err := tx.CreateTableIfNotExists("docs")
		if err != nil {
			return err
		}
		for _, k := range []string{"a:1", "a:2", "b:1"} {
			if err := b.Put([]byte(k), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	var seen []string
	err = env.View(func(tx Tx) error {
		cur := tx.Table("docs").Cursor()
		return PrefixIter(cur, []byte("a:"), func(k, v []byte) error {
			seen = append(seen, string(k))
			return nil
		})
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
	if len(seen) != 2 || seen[0] != "a:1" || seen[1] != "a:2" {
		t.Fatalf("PrefixIter() visited %v, want [a:1 a:2]", seen)
	}
}

func TestDeleteTable(t *testing.T) {
	env := openTestEnv(t)
	err := env.Update(func(tx RwTx) error {
		if _, err := tx.CreateTableIfNotExists("gone"); err != nil {
			return err
		}
		return tx.DeleteTable("gone")
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	err = env.View(func(tx Tx) error {
		if v := tx.Table("gone").Get([]byte("x")); v != nil {
			t.Fatal("deleted table should behave as empty")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
}

func TestAcquireRootLockPreventsSecondHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireRootLock(dir)
	if err != nil {
		t.Fatalf("AcquireRootLock() error: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireRootLock(dir); err == nil {
		t.Fatal("a second AcquireRootLock() on the same root should fail")
	}
}

func TestAcquireRootLockReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireRootLock(dir)
	if err != nil {
		t.Fatalf("AcquireRootLock() error: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	lock2, err := AcquireRootLock(dir)
	if err != nil {
		t.Fatalf("AcquireRootLock() after release should succeed, got: %v", err)
	}
	lock2.Release()
}
