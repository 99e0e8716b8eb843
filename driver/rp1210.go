package driver

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/vehiclelink/canadapter/packet"
)

// defaultConnectionString is what most RP1210 vendor drivers accept for
// auto-negotiated J1939.
const defaultConnectionString = "J1939:Baud=Auto"

// rp1210PacketSize is the vendor read buffer size; large enough for a full
// transport protocol message when the driver packetizes.
const rp1210PacketSize = 1600

// RP1210 client commands used during connect.
const (
	cmdSetAllFiltersToPass = 3
	cmdEchoTransmitted     = 16
	cmdProtectJ1939Address = 19
)

// encodeRP1210Tx lays out the J1939 send message the vendor API expects:
// PGN little endian, priority, source, destination, then payload.
func encodeRP1210Tx(p packet.Packet) []byte {
	pgn := p.PGN()
	da := byte(0)
	if pgn < 0xF000 {
		da = p.Dest()
	}
	buf := make([]byte, 0, 6+p.Len())
	buf = append(buf, byte(pgn), byte(pgn>>8), byte(pgn>>16), p.Priority(), p.Source(), da)
	return append(buf, p.Data()...)
}

// decodeRP1210Rx parses a vendor read buffer: big endian timestamp, echo
// flag, PGN little endian, priority, source, destination, payload. The
// timestamp unit is the vendor's TimeStampWeight in microseconds.
func decodeRP1210Rx(buf []byte, weight float64) (packet.Packet, error) {
	if len(buf) < 11 {
		return packet.Packet{}, fmt.Errorf("%w: %d byte rp1210 message", ErrMalformedFrame, len(buf))
	}
	ts := time.Duration(float64(binary.BigEndian.Uint32(buf[0:4])) * weight * float64(time.Microsecond))
	echoed := buf[4] != 0
	pgn := uint32(buf[5]) | uint32(buf[6])<<8 | uint32(buf[7])<<16
	priority := buf[8] & 0x07
	sa := buf[9]
	da := byte(0)
	if pgn < 0xF000 {
		da = buf[10]
	}
	if echoed {
		// Echo of our own transmission; keep the TX direction.
		return packet.NewJ1939(priority, pgn, da, sa, buf[11:]).WithTime(ts, 0), nil
	}
	return packet.NewJ1939Rx(ts, 0, priority, pgn, da, sa, buf[11:]), nil
}

// iniDir is where the RP1210 registry and vendor files live. Overridable
// for tests.
var iniDir = `C:\Windows`

// Device is one RP1210 device entry from a vendor INI.
type Device struct {
	ID          int16
	Name        string
	Description string
}

func (d Device) String() string {
	return fmt.Sprintf("%d %s:%s", d.ID, d.Name, d.Description)
}

// Product is one installed RP1210 vendor API and its J1939 capable devices.
type Product struct {
	ID          string
	Description string
	Devices     []Device
}

// ListProducts enumerates installed RP1210 vendor APIs from RP121032.ini.
// When the registry file is absent (any non-Windows host) it returns the
// simulator as the only entry so discovery never fails outright.
func ListProducts() ([]Product, error) {
	f, err := ini.Load(filepath.Join(iniDir, "RP121032.ini"))
	if err != nil {
		return []Product{{
			ID:          "SIM",
			Description: "Simulated adapter",
			Devices:     []Device{{ID: 1, Name: "SIM", Description: "Simulated device"}},
		}}, nil
	}
	var products []Product
	for _, id := range f.Section("RP1210Support").Key("APIImplementations").Strings(",") {
		desc, devices, err := devicesFor(id)
		if err != nil {
			// A broken vendor INI should not hide the others.
			products = append(products, Product{ID: id})
			continue
		}
		products = append(products, Product{ID: id, Description: desc, Devices: devices})
	}
	return products, nil
}

// devicesFor reads one vendor INI and returns the vendor name plus the
// devices that support the J1939 protocol.
func devicesFor(api string) (string, []Device, error) {
	f, err := ini.Load(filepath.Join(iniDir, api+".ini"))
	if err != nil {
		return "", nil, err
	}

	j1939 := map[string]bool{}
	for _, sec := range f.Sections() {
		if !strings.HasPrefix(sec.Name(), "ProtocolInformation") {
			continue
		}
		if sec.Key("ProtocolString").String() != "J1939" {
			continue
		}
		for _, id := range sec.Key("Devices").Strings(",") {
			j1939[id] = true
		}
	}

	var devices []Device
	for _, sec := range f.Sections() {
		if !strings.HasPrefix(sec.Name(), "DeviceInformation") {
			continue
		}
		id := sec.Key("DeviceID").String()
		if !j1939[id] {
			continue
		}
		devices = append(devices, Device{
			ID:          int16(sec.Key("DeviceID").MustInt(-1)),
			Name:        sec.Key("DeviceName").MustString("Unknown"),
			Description: sec.Key("DeviceDescription").MustString("Unknown"),
		})
	}
	return f.Section("VendorInformation").Key("Name").String(), devices, nil
}

// timeStampWeight returns the vendor's timestamp unit in microseconds.
func timeStampWeight(api string) float64 {
	f, err := ini.Load(filepath.Join(iniDir, api+".ini"))
	if err != nil {
		return 1
	}
	return f.Section("VendorInformation").Key("TimeStampWeight").MustFloat64(1)
}
