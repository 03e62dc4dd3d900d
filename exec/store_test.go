// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	fz := fuzz.New()
	fz.NumElements(1e3, 1e6)
	var data []byte
	fz.Fuzz(&data)
	ctx := context.Background()
	key := partitionKey{Job: "job", Stage: 1, Partition: 0}
	wc, err := store.Create(ctx, key)
	if err != nil {
		t.Error(err)
		return
	}
	if _, err := io.Copy(wc, bytes.NewReader(data)); err != nil {
		t.Error(err)
		return
	}
	// Make sure the partition isn't available until it's committed.
	_, err = store.Open(ctx, key, 0)
	if err == nil {
		t.Error("store prematurely available")
	} else if !errors.Is(errors.NotExist, err) {
		t.Errorf("unexpected error: %v", err)
	}
	if err := wc.Commit(ctx, 12345); err != nil {
		t.Error(err)
		return
	}
	info, err := store.Stat(ctx, key)
	if err != nil {
		t.Error(err)
	} else {
		if got, want := info.Size, int64(len(data)); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := info.Records, int64(12345); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	// A second writer for a committed partition is refused.
	if _, err := store.Create(ctx, key); !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want exists", err)
	}

	rc, err := store.Open(ctx, key, 0)
	if err != nil {
		t.Error(err)
		return
	}
	got, err := ioutil.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Error(err)
		return
	}
	if !bytes.Equal(data, got) {
		t.Error("data do not match")
	}
	// Reads may start at an offset.
	off := int64(len(data) / 2)
	rc, err = store.Open(ctx, key, off)
	if err != nil {
		t.Fatal(err)
	}
	got, err = ioutil.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data[off:], got) {
		t.Error("data at offset do not match")
	}
	if _, err = store.Open(ctx, key, int64(len(data)+1)); err == nil {
		t.Error("expected error opening past the end")
	}

	// No partition 1 was ever stored, so discarding it fails.
	other := key
	other.Partition = 1
	if err = store.Discard(ctx, other); err == nil {
		t.Error("expected error discarding non-existent partition")
	}
	// Make sure we can still Open successfully after the unrelated Discard.
	rc, err = store.Open(ctx, key, 0)
	if err != nil {
		t.Fatal(err)
	}
	rc.Close()
	// Now discard, and try to Open. It should fail.
	if err = store.Discard(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err = store.Open(ctx, key, 0); err == nil {
		t.Fatal("expected error opening discarded partition")
	}
}

func testStoreRemove(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	keys := []partitionKey{
		{Job: "a", Stage: 0, Partition: 0},
		{Job: "a", Stage: 1, Partition: 3},
		{Job: "b", Stage: 0, Partition: 0},
	}
	for _, key := range keys {
		w, err := store.Create(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(key.String())); err != nil {
			t.Fatal(err)
		}
		if err := w.Commit(ctx, 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Remove(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	for _, key := range keys {
		_, err := store.Stat(ctx, key)
		if key.Job == "a" && err == nil {
			t.Errorf("%s: not removed", key)
		}
		if key.Job == "b" && err != nil {
			t.Errorf("%s: %v", key, err)
		}
	}
}

func testStoreDiscardWriter(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := partitionKey{Job: "job", Stage: 2, Partition: 7}
	w, err := store.Create(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	if err := w.Discard(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Stat(ctx, key); err == nil {
		t.Error("discarded partition was stored")
	}
	// The partition can be written again.
	w, err = store.Create(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(ctx, 0); err != nil {
		t.Fatal(err)
	}
	info, err := store.Stat(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := info, (sliceInfo{}); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestStoreImpls(t *testing.T) {
	for _, test := range []func(*testing.T, Store){testStore, testStoreRemove, testStoreDiscardWriter} {
		test(t, newMemoryStore())
		dir, cleanup := testutil.TempDir(t, "", "")
		test(t, newFileStore(dir))
		cleanup()
	}
}
