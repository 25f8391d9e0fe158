// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package results

import (
	"io/ioutil"
	"os"
	"testing"
	"time"
)

func setupStoreDir(t *testing.T) string {
	filePath, err := ioutil.TempFile("", "store")

	if err != nil {
		t.Fatal(err)
	} else {
		os.Remove(filePath.Name())
	}

	return filePath.Name()
}

func TestStore(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	store, err := NewStore(dir, "run-a")
	if err != nil {
		t.Fatal(err)
	}

	for i := uint64(0); i < 3; i++ {
		br := BlockRecord{
			Connection: "0102",
			ID:         4*(i+1) + 1,
			BCT:        time.Duration(i) * time.Millisecond,
			Size:       1000,
		}
		if err := store.WriteBlock(br); err != nil {
			t.Fatal(err)
		}
	}

	// The same block cannot be recorded twice.
	if err := store.WriteBlock(BlockRecord{Connection: "0102", ID: 5}); err == nil {
		t.Fatal("inserting a known block did not fail")
	}

	cr := ConnectionRecord{Connection: "0102", Recv: 10}
	if err := store.WriteConnection(cr); err != nil {
		t.Fatal(err)
	}
	cr.Recv = 11
	if err := store.WriteConnection(cr); err != nil {
		t.Fatal(err)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen the Store for another run.
	store, err = NewStore(dir, "run-b")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.WriteBlock(BlockRecord{Connection: "0102", ID: 5}); err != nil {
		t.Fatal(err)
	}

	if brs, err := store.Blocks("run-a"); err != nil {
		t.Fatal(err)
	} else if l := len(brs); l != 3 {
		t.Fatalf("expected three blocks, got %d", l)
	}

	if crs, err := store.Connections("run-a"); err != nil {
		t.Fatal(err)
	} else if len(crs) != 1 || crs[0].Recv != 11 {
		t.Fatalf("unexpected connections %v", crs)
	}

	if err := store.DeleteRun("run-a"); err != nil {
		t.Fatal(err)
	}

	if brs, err := store.Blocks("run-a"); err != nil {
		t.Fatal(err)
	} else if l := len(brs); l != 0 {
		t.Fatalf("expected no blocks after deletion, got %d", l)
	}

	if brs, err := store.Blocks("run-b"); err != nil {
		t.Fatal(err)
	} else if l := len(brs); l != 1 {
		t.Fatalf("expected one block of run-b, got %d", l)
	}
}
