package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/knakk/specs"
)

// startEngine brings up a server-mode engine with the given records and a
// dummy terminal dialled into it.
func startEngine(t *testing.T, cfg *config, recs []DisplayRecord, fetch ImageFetcher) (*Dispatcher, *TermConn, *dummyTerminal) {
	t.Helper()

	idx := NewProductIndex()
	idx.Reload(recs)

	cfg.Mode = "server"
	var d *Dispatcher
	tc := newTermConn(cfg, func(r TermResp) { d.OnFrame(r) })
	if fetch == nil {
		fetch = func(string) ([]byte, error) { return nil, errors.New("no fetcher") }
	}
	d = newDispatcher(cfg, tc, idx, fetch)

	if err := tc.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tc.Stop)

	c := dialTerm(t, tc)
	term := newDummyTerminal(c)
	t.Cleanup(func() { c.Close() })
	waitFor(t, "terminal adoption", tc.IsConnected)
	return d, tc, term
}

func scanFrameLen() int { return 1 + nameFieldWidth + 1 + priceFieldWidth }

func TestScanKnownBarcode(t *testing.T) {
	s := specs.New(t)

	_, _, term := startEngine(t, testConfig(), []DisplayRecord{
		{Key: "0123456789012", Name: "Widget", Price: "19.90"},
	}, nil)

	term.outgoing <- []byte("#0123456789012")
	frame := term.recv(t, scanFrameLen())

	name, price, ok := decodeProduct(frame)
	s.Expect(true, ok)
	s.Expect("Widget", name)
	s.Expect("19.90", price)
	s.Expect(true, strings.HasPrefix(string(frame), "#Widget"))
}

func TestScanUnknownBarcode(t *testing.T) {
	s := specs.New(t)

	_, _, term := startEngine(t, testConfig(), []DisplayRecord{
		{Key: "0123456789012", Name: "Widget", Price: "19.90"},
	}, nil)

	term.outgoing <- []byte("#9999999999999")
	frame := term.recv(t, len("#nfound"))
	s.Expect("#nfound", string(frame))
}

func TestScanSendsWaitMessageFirst(t *testing.T) {
	s := specs.New(t)

	cfg := testConfig()
	cfg.SendWaitMessage = true
	_, _, term := startEngine(t, cfg, []DisplayRecord{
		{Key: "0123456789012", Name: "Widget", Price: "19.90"},
	}, nil)

	wait := "#mesg:AGUARDE...ACONSULTANDO PRECO20"

	term.outgoing <- []byte("#0123456789012")
	frames := term.recv(t, len(wait)+scanFrameLen())
	s.Expect(wait, string(frames[:len(wait)]))

	_, price, ok := decodeProduct(frames[len(wait):])
	s.Expect(true, ok)
	s.Expect("19.90", price)
}

// A fault inside the lookup pipeline must collapse to a not-found response
// and never take down the read loop: the next scan is still served.
func TestPipelineSurvivesLookupFault(t *testing.T) {
	s := specs.New(t)

	boom := func(ref string) ([]byte, error) {
		panic("image store corrupted: " + ref)
	}
	_, _, term := startEngine(t, testConfig(), []DisplayRecord{
		{Key: "1111111111111", Name: "Cursed", Price: "6.66", Image: "x.gif"},
		{Key: "0123456789012", Name: "Widget", Price: "19.90"},
	}, boom)

	term.outgoing <- []byte("#1111111111111")
	frame := term.recv(t, len("#nfound"))
	s.Expect("#nfound", string(frame))

	term.outgoing <- []byte("#0123456789012")
	frame = term.recv(t, scanFrameLen())
	name, _, ok := decodeProduct(frame)
	s.Expect(true, ok)
	s.Expect("Widget", name)
}

// Every not-found that reaches the terminal is counted, including the one
// sent from the fault-recovery path.
func TestNotFoundCountedOnFaultPath(t *testing.T) {
	boom := func(ref string) ([]byte, error) {
		panic("image store corrupted: " + ref)
	}
	_, _, term := startEngine(t, testConfig(), []DisplayRecord{
		{Key: "1111111111111", Name: "Cursed", Price: "6.66", Image: "x.gif"},
	}, boom)

	before := mNotFoundSent.Count()
	term.outgoing <- []byte("#1111111111111")
	term.recv(t, len("#nfound"))
	waitFor(t, "not-found counter", func() bool {
		return mNotFoundSent.Count() == before+1
	})
}

// Image delivery is best effort: a failing fetch is logged and swallowed,
// and the text response still goes out.
func TestImageFailureNeverBlocksResponse(t *testing.T) {
	s := specs.New(t)

	fetch := func(string) ([]byte, error) { return nil, errors.New("404") }
	_, _, term := startEngine(t, testConfig(), []DisplayRecord{
		{Key: "0123456789012", Name: "Widget", Price: "19.90", Image: "http://gone/img.gif"},
	}, fetch)

	term.outgoing <- []byte("#0123456789012")
	frame := term.recv(t, scanFrameLen())
	name, _, ok := decodeProduct(frame)
	s.Expect(true, ok)
	s.Expect("Widget", name)
}

func TestScanWithImageSendsImageThenProduct(t *testing.T) {
	s := specs.New(t)

	img := []byte("GIF89a....")
	fetch := func(string) ([]byte, error) { return img, nil }
	cfg := testConfig()
	cfg.ResponseTimeoutMS = 10 // don't linger on the transfer ack
	_, _, term := startEngine(t, cfg, []DisplayRecord{
		{Key: "0123456789012", Name: "Widget", Price: "19.90", Image: "widget.gif"},
	}, fetch)

	imgHeader := 4 + 2 + 2 + 2 + 6 + 4 + 1
	term.outgoing <- []byte("#0123456789012")
	frames := term.recv(t, imgHeader+len(img)+scanFrameLen())

	s.Expect("#gif", string(frames[:4]))
	s.Expect(true, bytes.Equal(img, frames[imgHeader:imgHeader+len(img)]))
	name, _, ok := decodeProduct(frames[imgHeader+len(img):])
	s.Expect(true, ok)
	s.Expect("Widget", name)
}

func TestSendImageTooLargeRejectedBeforeWrite(t *testing.T) {
	s := specs.New(t)

	d, _, term := startEngine(t, testConfig(), nil, nil)

	err := d.SendImage(make([]byte, maxImageBytes+1), 0, 1, 5)
	if err == nil {
		t.Fatal("oversized image was not rejected")
	}
	s.Expect(false, errors.Is(err, ErrNotConnected))

	// Nothing may have reached the transport.
	select {
	case msg := <-term.incoming:
		t.Fatalf("bytes written for a rejected image: %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMACAddressQuery(t *testing.T) {
	s := specs.New(t)

	cfg := testConfig()
	cfg.ResponseTimeoutMS = 2000
	d, _, term := startEngine(t, cfg, nil, nil)

	go func() {
		msg := <-term.incoming
		if string(msg) == "#macaddr?" {
			term.outgoing <- []byte("#macaddr0A00:1D:5B:00:65:A8")
		}
	}()

	s.Expect("00:1D:5B:00:65:A8", d.MACAddress())
}

// A late image-transfer ack arriving while a MAC query is in flight must
// not satisfy it; the real MAC reply is still delivered.
func TestStaleImageAckDoesNotSatisfyMACQuery(t *testing.T) {
	s := specs.New(t)

	cfg := testConfig()
	cfg.ResponseTimeoutMS = 2000
	d, _, term := startEngine(t, cfg, nil, nil)

	go func() {
		msg := <-term.incoming
		if string(msg) == "#macaddr?" {
			term.outgoing <- []byte("#gif_ok")
			time.Sleep(50 * time.Millisecond)
			term.outgoing <- []byte("#macaddr0A00:1D:5B:00:65:A8")
		}
	}()

	s.Expect("00:1D:5B:00:65:A8", d.MACAddress())
}

func TestMACAddressQueryTimeout(t *testing.T) {
	s := specs.New(t)

	cfg := testConfig()
	cfg.ResponseTimeoutMS = 50
	d, _, term := startEngine(t, cfg, nil, nil)

	s.Expect("", d.MACAddress())
	s.Expect("#macaddr?", string(<-term.incoming))
}

func TestAcksAreNotBarcodes(t *testing.T) {
	_, _, term := startEngine(t, testConfig(), []DisplayRecord{
		{Key: "nfound", Name: "Trap", Price: "0.00"},
	}, nil)

	// Reply prefixes must never trigger the lookup pipeline, even when a
	// matching record exists.
	for _, ack := range []string{"#nfound", "#gif_ok", "#img_error", "#rupdconfig_ok"} {
		term.outgoing <- []byte(ack)
	}

	select {
	case msg := <-term.incoming:
		t.Fatalf("engine responded to an ack: %q", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPushRemoteConfig(t *testing.T) {
	s := specs.New(t)

	d, _, term := startEngine(t, testConfig(), nil, nil)
	s.Expect(true, d.PushRemoteConfig("10.0.0.1", "srv1", "caixa1"))

	want := "#rupdconfig" + "810.0.0.1" + "4srv1" + "6caixa1" +
		"=Não suportado=Não suportado=Não suportado"
	s.Expect(want, string(term.recv(t, len(want))))
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	s := specs.New(t)

	cfg := testConfig()
	cfg.ReconnectOnSend = false
	d, tc, _ := startEngine(t, cfg, nil, nil)

	tc.Disconnect()
	s.Expect(false, d.SendProduct("Widget", "19.90"))
	s.Expect(false, d.SendMessage("a", "b", 1))
	s.Expect("", d.MACAddress())
}
