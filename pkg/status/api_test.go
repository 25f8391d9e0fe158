// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/dtn7/dtptest-go/pkg/harness"
)

type staticLister struct {
	infos []harness.ConnectionInfo
	err   error
}

func (sl *staticLister) Connections(context.Context) ([]harness.ConnectionInfo, error) {
	return sl.infos, sl.err
}

func newTestAPI(lister ConnectionLister, hub *Hub) *httptest.Server {
	return httptest.NewServer(NewAPI(mux.NewRouter(), lister, hub))
}

func TestAPIConnections(t *testing.T) {
	lister := &staticLister{infos: []harness.ConnectionInfo{
		{ID: "0a0b", Peer: "127.0.0.1:5000", Created: time.Unix(1700000000, 0), Cursor: 1, Entries: 2},
		{ID: "0c0d", Peer: "127.0.0.1:5001", Cursor: -1, Entries: 2},
	}}
	srv := newTestAPI(lister, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/connections")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var infos []harness.ConnectionInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[0].ID != "0a0b" || infos[1].Cursor != -1 {
		t.Fatalf("unexpected connections %v", infos)
	}
}

func TestAPIConnection(t *testing.T) {
	lister := &staticLister{infos: []harness.ConnectionInfo{{ID: "0a0b", Entries: 3}}}
	srv := newTestAPI(lister, nil)
	defer srv.Close()

	tests := []struct {
		path   string
		status int
	}{
		{"/connections/0a0b", http.StatusOK},
		{"/connections/ffff", http.StatusNotFound},
		{"/connections/nothex", http.StatusNotFound},
		{"/ws", http.StatusNotFound},
	}

	for _, test := range tests {
		resp, err := http.Get(srv.URL + test.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()

		if resp.StatusCode != test.status {
			t.Fatalf("%s: expected status %d, got %d", test.path, test.status, resp.StatusCode)
		}
	}
}

func TestAPIUnavailable(t *testing.T) {
	srv := newTestAPI(&staticLister{err: errors.New("loop stopped")}, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/connections")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatal(err)
	} else if errResp.Error != "loop stopped" {
		t.Fatalf("unexpected error %q", errResp.Error)
	}
}
