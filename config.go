package main

import (
	"encoding/json"
	"os"
)

type config struct {
	// Host of the terminal (client mode). Ignored in server mode.
	TerminalHost string

	// Port the terminal protocol runs on
	TCPPort string

	// Operating mode: "client" dials the terminal, "server" accepts the
	// terminal's inbound connection
	Mode string

	// Listening port of the HTTP control panel and WebSocket server
	HTTPPort string

	// Log errors & warnings to this file
	ErrorLogFile string

	// Path of the product snapshot file (GTIN|NAME|PRICE|IMAGE per line)
	DataFile string

	// Optional Redis snapshot source; takes precedence over DataFile when
	// set. RedisKey is the hash holding the records.
	RedisAddr string
	RedisKey  string

	// Seconds between snapshot refresh checks
	RefreshIntervalSec int

	ConnectTimeoutMS     int
	ResponseTimeoutMS    int
	ReconnectIntervalSec int

	// Show a transient "please wait" message while a lookup runs
	SendWaitMessage bool

	// Attempt one reconnect when an outbound operation finds the link down
	ReconnectOnSend bool

	LogLevels string
}

func (c *config) fromFile(file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, c)
}

func defaultConfig() *config {
	return &config{
		TerminalHost:         "192.168.0.131",
		TCPPort:              "6500",
		Mode:                 "client",
		HTTPPort:             "8899",
		DataFile:             "gertec_produtos.txt",
		RedisKey:             "gertec:products",
		RefreshIntervalSec:   5,
		ConnectTimeoutMS:     10000,
		ResponseTimeoutMS:    500,
		ReconnectIntervalSec: 5,
		SendWaitMessage:      true,
		ReconnectOnSend:      true,
		LogLevels:            "<root>=WARNING;tcp=INFO;main=INFO;index=INFO;dispatch=DEBUG;ws=INFO",
	}
}
