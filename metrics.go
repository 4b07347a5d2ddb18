package main

import (
	"os"
	"time"

	"github.com/rcrowley/go-metrics"
)

var (
	mScansReceived    = metrics.NewCounter()
	mProductsSent     = metrics.NewCounter()
	mNotFoundSent     = metrics.NewCounter()
	mImagesSent       = metrics.NewCounter()
	mTerminalConnects = metrics.NewCounter()
)

type appMetrics struct {
	StartTime time.Time
	PID       int
}

type exportMetrics struct {
	UpTime            string
	PID               int
	TerminalConnected bool
	IndexSize         int
	IndexReloadedAt   string
	ScansReceived     int64
	ProductsSent      int64
	NotFoundSent      int64
	ImagesSent        int64
	TerminalConnects  int64
}

func registerMetrics() *appMetrics {
	metrics.Register("ScansReceived", mScansReceived)
	metrics.Register("ProductsSent", mProductsSent)
	metrics.Register("NotFoundSent", mNotFoundSent)
	metrics.Register("ImagesSent", mImagesSent)
	metrics.Register("TerminalConnects", mTerminalConnects)

	return &appMetrics{
		StartTime: time.Now(),
		PID:       os.Getpid(),
	}
}

func (m *appMetrics) Export(conn *TermConn, index *ProductIndex) *exportMetrics {
	uptime := time.Since(m.StartTime)

	return &exportMetrics{
		UpTime:            uptime.String(),
		PID:               m.PID,
		TerminalConnected: conn.IsConnected(),
		IndexSize:         index.Size(),
		IndexReloadedAt:   index.LastReload().Format(time.RFC3339),
		ScansReceived:     mScansReceived.Count(),
		ProductsSent:      mProductsSent.Count(),
		NotFoundSent:      mNotFoundSent.Count(),
		ImagesSent:        mImagesSent.Count(),
		TerminalConnects:  mTerminalConnects.Count(),
	}
}
