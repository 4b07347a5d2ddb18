package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

func statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(appM.Export(termConn, index))
}

func wsHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Upgrade(w, r, nil, 1024, 1024)
	if _, ok := err.(websocket.HandshakeError); ok {
		http.Error(w, "Not a websocket handshake", 400)
		return
	} else if err != nil {
		return
	}

	c := &uiConn{send: make(chan UIMsg, 16), ws: ws}
	uiHub.uiReg <- c
	defer func() {
		uiHub.uiUnReg <- c
	}()
	go c.writer()
	c.reader()
}

// messageHandler shows a free-text message on the terminal.
// POST {"Line1": "...", "Line2": "...", "Seconds": 5}
func messageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Line1   string
		Line2   string
		Seconds int
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Seconds == 0 {
		req.Seconds = 5
	}
	writeOutcome(w, dispatcher.SendMessage(req.Line1, req.Line2, req.Seconds))
}

// productHandler pushes a product display manually, bypassing the index.
// POST {"Name": "...", "Price": "..."}
func productHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name  string
		Price string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeOutcome(w, dispatcher.SendProduct(req.Name, req.Price))
}

// macHandler queries the terminal's MAC address.
func macHandler(w http.ResponseWriter, r *http.Request) {
	mac := dispatcher.MACAddress()
	w.Header().Set("Content-Type", "application/json")
	if mac == "" {
		w.WriteHeader(http.StatusGatewayTimeout)
	}
	json.NewEncoder(w).Encode(struct{ MACAddress string }{mac})
}

// remoteConfigHandler pushes network settings to the terminal.
// POST {"Gateway": "...", "ServerNames": "...", "TerminalName": "..."}
func remoteConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Gateway      string
		ServerNames  string
		TerminalName string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeOutcome(w, dispatcher.PushRemoteConfig(req.Gateway, req.ServerNames, req.TerminalName))
}

func writeOutcome(w http.ResponseWriter, sent bool) {
	w.Header().Set("Content-Type", "application/json")
	if !sent {
		w.WriteHeader(http.StatusBadGateway)
	}
	json.NewEncoder(w).Encode(struct{ Sent bool }{sent})
}
