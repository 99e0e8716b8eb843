package driver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vehiclelink/canadapter/packet"
)

func TestEncodeRP1210Tx(t *testing.T) {
	// PDU1 request: PGN EA00 to DA 00 from F9.
	p := packet.NewJ1939(6, 0xEA00, 0x00, 0xF9, []byte{0xEC, 0xFE, 0x00})
	got := encodeRP1210Tx(p)
	want := []byte{0x00, 0xEA, 0x00, 6, 0xF9, 0x00, 0xEC, 0xFE, 0x00}
	if string(got) != string(want) {
		t.Errorf("encodeRP1210Tx = %X, want %X", got, want)
	}

	// PDU2: destination byte is zero.
	p = packet.NewJ1939(6, 0xFEF1, 0xFF, 0x00, []byte{1})
	got = encodeRP1210Tx(p)
	want = []byte{0xF1, 0xFE, 0x00, 6, 0x00, 0x00, 1}
	if string(got) != string(want) {
		t.Errorf("encodeRP1210Tx = %X, want %X", got, want)
	}
}

func TestDecodeRP1210Rx(t *testing.T) {
	// timestamp 1000 ticks, not echoed, PGN FEF1, priority 6, SA 00.
	buf := []byte{0, 0, 0x03, 0xE8, 0, 0xF1, 0xFE, 0x00, 6, 0x00, 0x00, 0xAA, 0xBB}
	p, err := decodeRP1210Rx(buf, 1000) // 1000 us per tick
	if err != nil {
		t.Fatalf("decodeRP1210Rx: %v", err)
	}
	if p.Tx() {
		t.Error("packet should be received, not echoed")
	}
	if p.PGN() != 0xFEF1 {
		t.Errorf("PGN = %04X, want FEF1", p.PGN())
	}
	if p.Source() != 0 || p.Priority() != 6 {
		t.Errorf("source/priority = %02X/%d", p.Source(), p.Priority())
	}
	if string(p.Data()) != string([]byte{0xAA, 0xBB}) {
		t.Errorf("data = %X", p.Data())
	}
	if p.Time() != time.Second {
		t.Errorf("time = %v, want 1s", p.Time())
	}

	// Echo flag set preserves TX direction and destination.
	buf = []byte{0, 0, 0, 1, 1, 0x00, 0xEA, 0x00, 6, 0xF9, 0x21, 0xEC, 0xFE, 0x00}
	p, err = decodeRP1210Rx(buf, 1)
	if err != nil {
		t.Fatalf("decodeRP1210Rx: %v", err)
	}
	if !p.Tx() {
		t.Error("echoed packet should keep TX direction")
	}
	if p.Dest() != 0x21 {
		t.Errorf("Dest = %02X, want 21", p.Dest())
	}
}

func TestDecodeRP1210RxMalformed(t *testing.T) {
	_, err := decodeRP1210Rx([]byte{1, 2, 3}, 1)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestListProductsFallback(t *testing.T) {
	old := iniDir
	iniDir = t.TempDir() // no RP121032.ini here
	defer func() { iniDir = old }()

	products, err := ListProducts()
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(products) != 1 || products[0].ID != "SIM" {
		t.Errorf("products = %+v, want the simulator fallback", products)
	}
}

func TestListProductsFromIni(t *testing.T) {
	dir := t.TempDir()
	old := iniDir
	iniDir = dir
	defer func() { iniDir = old }()

	writeFile(t, filepath.Join(dir, "RP121032.ini"), `
[RP1210Support]
APIImplementations=NULN2R32
`)
	writeFile(t, filepath.Join(dir, "NULN2R32.ini"), `
[VendorInformation]
Name=Nexiq Technologies
TimeStampWeight=1000

[DeviceInformation1]
DeviceID=1
DeviceName=USB-Link 2
DeviceDescription=USB-Link 2 adapter

[DeviceInformation2]
DeviceID=2
DeviceName=Bluetooth-Link
DeviceDescription=Wireless adapter

[ProtocolInformation1]
ProtocolString=J1939
Devices=1

[ProtocolInformation2]
ProtocolString=CAN
Devices=1,2
`)

	products, err := ListProducts()
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(products) != 1 {
		t.Fatalf("got %d products, want 1", len(products))
	}
	p := products[0]
	if p.ID != "NULN2R32" || p.Description != "Nexiq Technologies" {
		t.Errorf("product = %+v", p)
	}
	if len(p.Devices) != 1 || p.Devices[0].ID != 1 || p.Devices[0].Name != "USB-Link 2" {
		t.Errorf("devices = %+v, want only the J1939 capable one", p.Devices)
	}
	if w := timeStampWeight("NULN2R32"); w != 1000 {
		t.Errorf("timeStampWeight = %v, want 1000", w)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
