package main

import (
	"net/http"
	"os"
	"time"

	"github.com/juju/loggo"

	_ "net/http/pprof"
)

// APPLICATION STATE

var (
	cfg        = &config{}
	termConn   *TermConn
	dispatcher *Dispatcher
	index      *ProductIndex
	uiHub      *wsHub
	appM       *appMetrics
	logger     = loggo.GetLogger("main")
)

// APPLICATION ENTRY POINT

func main() {
	// SETUP
	err := cfg.fromFile("config.json")
	if err != nil {
		cfg = defaultConfig()
		logger.Warningf("No config.json file found, using standard values")
	}
	loggo.ConfigureLoggers(cfg.LogLevels)
	if cfg.ErrorLogFile != "" {
		file, err := os.Create(cfg.ErrorLogFile)
		if err == nil {
			err = loggo.RegisterWriter("file",
				loggo.NewSimpleWriter(file, &loggo.DefaultFormatter{}), loggo.WARNING)
			if err != nil {
				logger.Warningf(err.Error())
			}
		}
	}

	appM = registerMetrics()
	index = NewProductIndex()
	uiHub = newHub()

	var src ProductSource
	if cfg.RedisAddr != "" {
		logger.Infof("Using Redis snapshot source at %v", cfg.RedisAddr)
		src = newRedisSource(cfg.RedisAddr, cfg.RedisKey)
	} else {
		logger.Infof("Using snapshot file %v", cfg.DataFile)
		src = newFileSource(cfg.DataFile)
	}

	// START SERVICES

	quit := make(chan struct{})
	logger.Infof("Loading product index")
	go watchSnapshot(index, src, time.Duration(cfg.RefreshIntervalSec)*time.Second, quit)

	logger.Infof("Starting Websocket hub")
	go uiHub.run()

	termConn = newTermConn(cfg, func(r TermResp) { dispatcher.OnFrame(r) })
	dispatcher = newDispatcher(cfg, termConn, index, fetchImage)
	dispatcher.broadcast = uiHub.broadcast
	linkStateEvents(termConn, dispatcher)

	if cfg.Mode == "server" {
		logger.Infof("Starting terminal server, listening at port %v", cfg.TCPPort)
		if err := termConn.Connect(); err != nil {
			logger.Errorf(err.Error())
			panic("Can't start terminal TCP-server. Exiting.")
		}
	} else {
		logger.Infof("Connecting to terminal at %v:%v", cfg.TerminalHost, cfg.TCPPort)
		go superviseTerminalLink(termConn)
	}

	http.HandleFunc("/.status", statusHandler)
	http.HandleFunc("/ws", wsHandler)
	http.HandleFunc("/message", messageHandler)
	http.HandleFunc("/product", productHandler)
	http.HandleFunc("/macaddr", macHandler)
	http.HandleFunc("/rconfig", remoteConfigHandler)

	logger.Infof("Starting HTTP server, listening at port %v", cfg.HTTPPort)
	http.ListenAndServe(":"+cfg.HTTPPort, nil)
}

// linkStateEvents pushes terminal connect and disconnect events to the
// control-panel UIs.
func linkStateEvents(t *TermConn, d *Dispatcher) {
	t.onState = func(up bool) {
		action := "DISCONNECT"
		if up {
			action = "CONNECT"
		}
		d.notify(UIMsg{Action: action})
	}
}

// superviseTerminalLink keeps dialing the terminal until a connection
// sticks, and dials again whenever the link drops. Connect failures are
// expected while the terminal is off; they only schedule the next attempt.
func superviseTerminalLink(t *TermConn) {
	for {
		if !t.IsConnected() {
			if err := t.Connect(); err != nil {
				logger.Warningf("terminal connect failed: %v", err)
			}
		}
		select {
		case <-time.After(t.reconnectDelay):
		case <-t.quit:
			return
		}
	}
}
