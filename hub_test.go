package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStatusEndpoint(t *testing.T) {
	appM = registerMetrics()
	index = NewProductIndex()
	index.Reload([]DisplayRecord{{Key: "1", Name: "One", Price: "1.00"}})
	termConn = newTermConn(testConfig(), func(TermResp) {})

	srv := httptest.NewServer(http.HandlerFunc(statusHandler))
	defer srv.Close()

	r, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()

	b, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatal(err)
	}
	status := exportMetrics{}
	if err := json.Unmarshal(b, &status); err != nil {
		t.Fatal(err)
	}

	if status.IndexSize != 1 {
		t.Errorf("status.IndexSize => %v, expected 1", status.IndexSize)
	}
	if status.TerminalConnected {
		t.Errorf("status.TerminalConnected => true, expected false")
	}
	if status.PID == 0 {
		t.Errorf("status.PID => 0, expected the process id")
	}
}

func TestHubBroadcastsConnectionEvents(t *testing.T) {
	uiHub = newHub()
	go uiHub.run()

	srv := httptest.NewServer(http.HandlerFunc(wsHandler))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Cannot get ws connection to %v", url)
	}
	defer ws.Close()
	time.Sleep(20 * time.Millisecond)

	cfg := testConfig()
	cfg.Mode = "server"
	tc := newTermConn(cfg, func(TermResp) {})
	d := newDispatcher(cfg, tc, NewProductIndex(), nil)
	d.broadcast = uiHub.broadcast
	linkStateEvents(tc, d)

	if err := tc.Connect(); err != nil {
		t.Fatal(err)
	}
	defer tc.Stop()

	c := dialTerm(t, tc)
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg UIMsg
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Action != "CONNECT" {
		t.Errorf("Got %+v; want the CONNECT event", msg)
	}

	// The terminal going away must surface as a DISCONNECT.
	c.Close()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Action != "DISCONNECT" {
		t.Errorf("Got %+v; want the DISCONNECT event", msg)
	}
}

func TestHubBroadcastsScanEvents(t *testing.T) {
	uiHub = newHub()
	go uiHub.run()

	srv := httptest.NewServer(http.HandlerFunc(wsHandler))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Cannot get ws connection to %v", url)
	}
	defer ws.Close()

	// Give the hub a moment to register the connection.
	time.Sleep(20 * time.Millisecond)

	uiHub.broadcast <- UIMsg{Action: "SCAN", Barcode: "0123456789012"}

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg UIMsg
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Action != "SCAN" || msg.Barcode != "0123456789012" {
		t.Errorf("Got %+v; want the SCAN event", msg)
	}
}
