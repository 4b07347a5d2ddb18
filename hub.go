package main

import (
	"github.com/gorilla/websocket"
	"github.com/juju/loggo"
)

var wsLogger = loggo.GetLogger("ws")

// UIMsg is one event pushed to connected control-panel UIs.
type UIMsg struct {
	Action  string // "CONNECT", "DISCONNECT", "SCAN", "PRODUCT" or "NOTFOUND"
	Barcode string `json:",omitempty"`
	Name    string `json:",omitempty"`
	Price   string `json:",omitempty"`
}

type uiConn struct {
	ws   *websocket.Conn
	send chan UIMsg
}

func (c *uiConn) writer() {
	for message := range c.send {
		err := c.ws.WriteJSON(message)
		if err != nil {
			break
		}
	}
}

func (c *uiConn) reader() {
	// The panel only listens; drain until the connection goes away.
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}
}

// wsHub pushes scan and connection events to the control-panel UIs.
type wsHub struct {
	connections map[*uiConn]bool
	uiReg       chan *uiConn // Register connection
	uiUnReg     chan *uiConn // Unregister connection

	broadcast chan UIMsg // Broadcast to all connected UIs
}

func newHub() *wsHub {
	return &wsHub{
		connections: make(map[*uiConn]bool),
		uiReg:       make(chan *uiConn),
		uiUnReg:     make(chan *uiConn),
		broadcast:   make(chan UIMsg, 16),
	}
}

// run starts the hub. Meant to be run in its own goroutine.
func (h *wsHub) run() {
	for {
		select {
		case c := <-h.uiReg:
			h.connections[c] = true
			wsLogger.Infof("UI connected")
		case c := <-h.uiUnReg:
			if _, ok := h.connections[c]; !ok {
				break
			}
			delete(h.connections, c)
			close(c.send)
			wsLogger.Infof("UI disconnected")
		case msg := <-h.broadcast:
			wsLogger.Debugf("-> UI %+v", msg)
			for c := range h.connections {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.connections, c)
				}
			}
		}
	}
}
