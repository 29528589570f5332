// Package recordstoretest provides a compliance suite every record store
// adapter must pass.
package recordstoretest

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/Strob0t/botleague/internal/port/recordstore"
)

// RunComplianceTests runs the standard compliance suite against s.
// prefix namespaces keys so the suite can share a store with other tests.
func RunComplianceTests(t *testing.T, s recordstore.Store, prefix string) {
	t.Helper()
	ctx := context.Background()
	key := func(name string) string { return prefix + name }

	t.Run("GetMissing", func(t *testing.T) {
		_, found, err := s.Get(ctx, key("missing"))
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for absent key")
		}
	})

	t.Run("CreateOnce", func(t *testing.T) {
		created, err := s.Create(ctx, key("create"), []byte(`"v1"`))
		if err != nil {
			t.Fatal(err)
		}
		if !created {
			t.Fatal("expected first Create to succeed")
		}
		created, err = s.Create(ctx, key("create"), []byte(`"v2"`))
		if err != nil {
			t.Fatal(err)
		}
		if created {
			t.Fatal("expected second Create to report existing key")
		}
		entry, found, err := s.Get(ctx, key("create"))
		if err != nil || !found {
			t.Fatalf("Get after Create: found=%v err=%v", found, err)
		}
		if string(entry.Value) != `"v1"` {
			t.Fatalf("expected v1 to survive, got %s", entry.Value)
		}
		if entry.Revision == 0 {
			t.Fatal("present key must have a non-zero revision")
		}
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		k := key("cas")
		swapped, err := s.CompareAndSwap(ctx, k, 0, []byte(`1`))
		if err != nil || !swapped {
			t.Fatalf("CAS on absent key with revision 0: swapped=%v err=%v", swapped, err)
		}
		swapped, err = s.CompareAndSwap(ctx, k, 0, []byte(`2`))
		if err != nil {
			t.Fatal(err)
		}
		if swapped {
			t.Fatal("CAS with revision 0 must fail once the key exists")
		}

		entry, _, err := s.Get(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		swapped, err = s.CompareAndSwap(ctx, k, entry.Revision, []byte(`3`))
		if err != nil || !swapped {
			t.Fatalf("CAS at current revision: swapped=%v err=%v", swapped, err)
		}
		swapped, err = s.CompareAndSwap(ctx, k, entry.Revision, []byte(`4`))
		if err != nil {
			t.Fatal(err)
		}
		if swapped {
			t.Fatal("CAS at a stale revision must fail")
		}
		latest, _, err := s.Get(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		if string(latest.Value) != `3` {
			t.Fatalf("expected 3, got %s", latest.Value)
		}
		if latest.Revision == entry.Revision {
			t.Fatal("revision must change on write")
		}
	})

	t.Run("SetOverwrites", func(t *testing.T) {
		k := key("set")
		if err := s.Set(ctx, k, []byte(`"a"`)); err != nil {
			t.Fatal(err)
		}
		if err := s.Set(ctx, k, []byte(`"b"`)); err != nil {
			t.Fatal(err)
		}
		entry, found, err := s.Get(ctx, k)
		if err != nil || !found {
			t.Fatalf("Get after Set: found=%v err=%v", found, err)
		}
		if string(entry.Value) != `"b"` {
			t.Fatalf("expected b, got %s", entry.Value)
		}
	})

	t.Run("DeleteThenCreate", func(t *testing.T) {
		k := key("delete")
		if err := s.Delete(ctx, k); err != nil {
			t.Fatalf("Delete of absent key should not error: %v", err)
		}
		if _, err := s.Create(ctx, k, []byte(`1`)); err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, k); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := s.Get(ctx, k); found {
			t.Fatal("expected miss after Delete")
		}
		created, err := s.Create(ctx, k, []byte(`2`))
		if err != nil || !created {
			t.Fatalf("Create after Delete: created=%v err=%v", created, err)
		}
	})

	t.Run("ConcurrentIncrements", func(t *testing.T) {
		k := key("counter")
		const workers = 16
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					entry, found, err := s.Get(ctx, k)
					if err != nil {
						errs <- err
						return
					}
					n := 0
					if found {
						n, _ = strconv.Atoi(string(entry.Value))
					}
					swapped, err := s.CompareAndSwap(ctx, k, entry.Revision, []byte(strconv.Itoa(n+1)))
					if err != nil {
						errs <- err
						return
					}
					if swapped {
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}
		entry, _, err := s.Get(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		if string(entry.Value) != strconv.Itoa(workers) {
			t.Fatalf("expected %d increments, got %s", workers, entry.Value)
		}
	})
}
