package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/loggo"
)

var dispatchLogger = loggo.GetLogger("dispatch")

// Dispatcher routes decoded frames from the read loop and exposes the
// outbound terminal operations. Barcode scans are handed to the
// lookup-and-respond pipeline on their own goroutine so a slow lookup never
// stalls ingestion of the next frame.
type Dispatcher struct {
	conn  *TermConn
	codec *gertecCodec
	index *ProductIndex
	fetch ImageFetcher

	sendWaitMessage bool
	reconnectOnSend bool
	responseTimeout time.Duration

	// Serializes encode+write pairs; the codec buffer is not safe for
	// concurrent use.
	sendMu sync.Mutex

	// Reply channel for the in-flight query command, if any, and the reply
	// kinds that may satisfy it.
	replyMu    sync.Mutex
	reply      chan TermResp
	replyKinds []RespKind

	// Broadcast scan events to the UI hub; nil disables.
	broadcast chan UIMsg
}

func newDispatcher(cfg *config, conn *TermConn, index *ProductIndex, fetch ImageFetcher) *Dispatcher {
	return &Dispatcher{
		conn:            conn,
		codec:           newGertecCodec(),
		index:           index,
		fetch:           fetch,
		sendWaitMessage: cfg.SendWaitMessage,
		reconnectOnSend: cfg.ReconnectOnSend,
		responseTimeout: time.Duration(cfg.ResponseTimeoutMS) * time.Millisecond,
	}
}

// OnFrame is invoked by the read loop for every decoded frame.
func (d *Dispatcher) OnFrame(r TermResp) {
	switch r.Kind {
	case respBarcode:
		mScansReceived.Inc(1)
		dispatchLogger.Infof("barcode scanned: %v", r.Barcode)
		d.notify(UIMsg{Action: "SCAN", Barcode: r.Barcode})
		go d.respond(r.Barcode)
	case respMAC, respImageOK, respImageError:
		if !d.deliverReply(r) {
			dispatchLogger.Debugf("unsolicited terminal reply: %q", r.Raw)
		}
	case respAck:
		dispatchLogger.Debugf("terminal ack: %q", r.Raw)
	case respEmpty:
		// Empty scan payloads are discarded silently.
	default:
		dispatchLogger.Debugf("unrecognized frame from terminal: %q", r.Raw)
	}
}

// respond runs the lookup-and-respond pipeline for one scanned barcode.
// Nothing may escape back into the read loop: any fault collapses to a
// best-effort not-found so a single bad lookup can't kill the connection.
func (d *Dispatcher) respond(barcode string) {
	defer func() {
		if p := recover(); p != nil {
			dispatchLogger.Errorf("lookup pipeline failed for %v: %v", barcode, p)
			d.SendNotFound()
		}
	}()

	if d.sendWaitMessage {
		// Masks lookup latency so the terminal's own timeout doesn't fire.
		d.SendMessage("AGUARDE...", "CONSULTANDO PRECO", 2)
	}

	rec, found := d.index.Lookup(barcode)
	if !found {
		dispatchLogger.Infof("product not found: %v", barcode)
		d.SendNotFound()
		d.notify(UIMsg{Action: "NOTFOUND", Barcode: barcode})
		return
	}

	if rec.Image != "" {
		// Image delivery is best effort and must never block the text
		// response.
		if data, err := d.fetch(rec.Image); err != nil {
			dispatchLogger.Warningf("image fetch failed for %v: %v", rec.Image, err)
		} else if err := d.SendImage(data, 0, 1, 5); err != nil {
			dispatchLogger.Warningf("image send failed for %v: %v", barcode, err)
		}
	}

	if d.SendProduct(rec.Name, rec.Price) {
		d.notify(UIMsg{Action: "PRODUCT", Barcode: barcode, Name: rec.Name, Price: rec.Price})
	}
}

// ensureConnected verifies the link, attempting one reconnect when
// configured to; otherwise it fails fast.
func (d *Dispatcher) ensureConnected() bool {
	if d.conn.IsConnected() {
		return true
	}
	if !d.reconnectOnSend {
		return false
	}
	dispatchLogger.Warningf("not connected to terminal, attempting reconnect")
	return d.conn.Reconnect() == nil
}

func (d *Dispatcher) send(r TermReq) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	frame, err := d.codec.GenerateTermReq(r)
	if err != nil {
		return err
	}
	return d.conn.Write(frame)
}

// SendProduct writes a product display frame: name padded to 80 bytes,
// price to 20.
func (d *Dispatcher) SendProduct(name, price string) bool {
	if !d.ensureConnected() {
		return false
	}
	if err := d.send(TermReq{Cmd: cmdProduct, Name: name, Price: price}); err != nil {
		dispatchLogger.Warningf("product send failed: %v", err)
		return false
	}
	mProductsSent.Inc(1)
	dispatchLogger.Infof("-> terminal product %v / %v", name, price)
	return true
}

func (d *Dispatcher) SendNotFound() bool {
	if !d.conn.IsConnected() {
		return false
	}
	if err := d.send(TermReq{Cmd: cmdNotFound}); err != nil {
		dispatchLogger.Warningf("not-found send failed: %v", err)
		return false
	}
	mNotFoundSent.Inc(1)
	return true
}

// SendMessage displays two free-text lines of up to 20 characters for up to
// 99 seconds.
func (d *Dispatcher) SendMessage(line1, line2 string, seconds int) bool {
	if !d.ensureConnected() {
		return false
	}
	err := d.send(TermReq{Cmd: cmdMessage, Line1: line1, Line2: line2, Seconds: seconds})
	if err != nil {
		dispatchLogger.Warningf("message send failed: %v", err)
		return false
	}
	dispatchLogger.Infof("-> terminal message %q / %q", line1, line2)
	return true
}

// SendImage transfers a raster image. Payloads over the terminal's 124 KiB
// limit are rejected before any bytes hit the transport.
func (d *Dispatcher) SendImage(data []byte, index, loops, duration int) error {
	if len(data) > maxImageBytes {
		return fmt.Errorf("image of %d bytes exceeds the %d byte terminal limit",
			len(data), maxImageBytes)
	}
	if !d.ensureConnected() {
		return ErrNotConnected
	}
	reply := d.armReply(respImageOK, respImageError)
	defer d.disarmReply()
	err := d.send(TermReq{
		Cmd: cmdImage, Image: data, ImageIndex: index, Loops: loops, Duration: duration,
	})
	if err != nil {
		return err
	}
	mImagesSent.Inc(1)
	dispatchLogger.Infof("-> terminal image %d bytes, index %d", len(data), index)

	// The transfer ack is advisory; absence of a reply is not a failure.
	select {
	case r := <-reply:
		if r.Kind == respImageError {
			dispatchLogger.Warningf("terminal rejected image")
		}
	case <-time.After(d.responseTimeout):
	}
	return nil
}

// MACAddress queries the terminal's MAC address, waiting up to the response
// timeout. Returns "" when the terminal does not answer in time.
func (d *Dispatcher) MACAddress() string {
	if !d.ensureConnected() {
		return ""
	}
	reply := d.armReply(respMAC)
	defer d.disarmReply()
	if err := d.send(TermReq{Cmd: cmdMACQuery}); err != nil {
		dispatchLogger.Warningf("MAC query failed: %v", err)
		return ""
	}
	select {
	case r := <-reply:
		_, mac, err := parseMACResp(r.Raw)
		if err != nil {
			dispatchLogger.Warningf(err.Error())
			return ""
		}
		return mac
	case <-time.After(d.responseTimeout):
		dispatchLogger.Debugf("MAC query timed out")
		return ""
	}
}

// PushRemoteConfig sends gateway, server-name and terminal-name settings to
// the terminal.
func (d *Dispatcher) PushRemoteConfig(gateway, serverNames, terminalName string) bool {
	if !d.ensureConnected() {
		return false
	}
	err := d.send(TermReq{
		Cmd:          cmdRemoteConfig,
		Gateway:      gateway,
		ServerNames:  serverNames,
		TerminalName: terminalName,
	})
	if err != nil {
		dispatchLogger.Warningf("remote config push failed: %v", err)
		return false
	}
	dispatchLogger.Infof("-> terminal remote config gw=%v", gateway)
	return true
}

func (d *Dispatcher) armReply(kinds ...RespKind) chan TermResp {
	d.replyMu.Lock()
	defer d.replyMu.Unlock()
	d.reply = make(chan TermResp, 1)
	d.replyKinds = kinds
	return d.reply
}

func (d *Dispatcher) disarmReply() {
	d.replyMu.Lock()
	defer d.replyMu.Unlock()
	d.reply = nil
	d.replyKinds = nil
}

// deliverReply hands r to the armed query, but only when its kind is one
// the query expects; a stale reply from an earlier command must not satisfy
// an unrelated query.
func (d *Dispatcher) deliverReply(r TermResp) bool {
	d.replyMu.Lock()
	defer d.replyMu.Unlock()
	if d.reply == nil {
		return false
	}
	wanted := false
	for _, k := range d.replyKinds {
		if k == r.Kind {
			wanted = true
			break
		}
	}
	if !wanted {
		return false
	}
	select {
	case d.reply <- r:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) notify(msg UIMsg) {
	if d.broadcast == nil {
		return
	}
	select {
	case d.broadcast <- msg:
	default:
		// UI hub congested; scan handling must not block on it.
	}
}
