package rplidar

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	syncByte  = 0xA5
	syncByte2 = 0x5A

	cmdGetInfo   = 0x50
	cmdGetHealth = 0x52
	cmdStop      = 0x25
	cmdReset     = 0x40
	cmdScan      = 0x20
	cmdSetPWM    = 0xF0

	descriptorLen = 7
	infoLen       = 20
	infoType      = 4
	healthLen     = 3
	healthType    = 6
	scanLen       = 5
	scanType      = 0x81

	// DefaultMotorPWM is the motor duty cycle used by A2/A3 units.
	DefaultMotorPWM = 660
	maxMotorPWM     = 1023
)

// ErrProtocol marks malformed data from the device.
var ErrProtocol = errors.New("rplidar protocol error")

// command builds a request packet. Requests with a payload carry a size byte
// and a trailing XOR checksum.
func command(cmd byte, payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{syncByte, cmd}
	}
	pkt := make([]byte, 0, len(payload)+4)
	pkt = append(pkt, syncByte, cmd, byte(len(payload)))
	pkt = append(pkt, payload...)
	var sum byte
	for _, b := range pkt {
		sum ^= b
	}
	return append(pkt, sum)
}

func pwmCommand(pwm int) []byte {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, uint16(pwm))
	return command(cmdSetPWM, payload)
}

type descriptor struct {
	size     int
	single   bool
	dataType byte
}

func readDescriptor(r io.Reader) (descriptor, error) {
	buf := make([]byte, descriptorLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return descriptor{}, errors.Wrap(err, "reading response descriptor")
	}
	if buf[0] != syncByte || buf[1] != syncByte2 {
		return descriptor{}, errors.Wrapf(ErrProtocol, "bad descriptor sync % x", buf[:2])
	}
	word := binary.LittleEndian.Uint32(buf[2:6])
	return descriptor{
		size:     int(word & 0x3FFFFFFF),
		single:   word>>30 == 0,
		dataType: buf[6],
	}, nil
}

func expect(d descriptor, size int, dataType byte) error {
	if d.size != size || d.dataType != dataType {
		return errors.Wrapf(ErrProtocol, "unexpected response size %d type %#x, want %d %#x",
			d.size, d.dataType, size, dataType)
	}
	return nil
}

// DeviceInfo is the GET_INFO response.
type DeviceInfo struct {
	Model         byte   `json:"model"`
	FirmwareMajor byte   `json:"firmware_major"`
	FirmwareMinor byte   `json:"firmware_minor"`
	Hardware      byte   `json:"hardware"`
	SerialNumber  string `json:"serial_number"`
}

// Firmware formats the firmware version as major.minor.
func (i DeviceInfo) Firmware() string {
	return fmt.Sprintf("%d.%d", i.FirmwareMajor, i.FirmwareMinor)
}

func parseInfo(raw []byte) DeviceInfo {
	return DeviceInfo{
		Model:         raw[0],
		FirmwareMinor: raw[1],
		FirmwareMajor: raw[2],
		Hardware:      raw[3],
		SerialNumber:  hex.EncodeToString(raw[4:20]),
	}
}

// HealthStatus is the device's self-reported condition.
type HealthStatus byte

const (
	HealthGood HealthStatus = iota
	HealthWarning
	HealthError
)

func (h HealthStatus) String() string {
	switch h {
	case HealthGood:
		return "Good"
	case HealthWarning:
		return "Warning"
	case HealthError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(h))
	}
}

// Health is the GET_HEALTH response.
type Health struct {
	Status    HealthStatus `json:"status"`
	ErrorCode uint16       `json:"error_code"`
}

func parseHealth(raw []byte) Health {
	return Health{Status: HealthStatus(raw[0]), ErrorCode: uint16(raw[1])<<8 | uint16(raw[2])}
}

// measurement is one decoded 5-byte scan node.
type measurement struct {
	newScan    bool
	quality    uint8
	angleDeg   float64
	distanceMM float64
}

func decodeMeasurement(raw []byte) (measurement, error) {
	newScan := raw[0]&0x1 == 1
	inversed := (raw[0]>>1)&0x1 == 1
	if newScan == inversed {
		return measurement{}, errors.Wrap(ErrProtocol, "new scan flags mismatch")
	}
	if raw[1]&0x1 != 1 {
		return measurement{}, errors.Wrap(ErrProtocol, "check bit not equal to 1")
	}
	return measurement{
		newScan:    newScan,
		quality:    raw[0] >> 2,
		angleDeg:   float64(uint16(raw[1]>>1)|uint16(raw[2])<<7) / 64.0,
		distanceMM: float64(uint16(raw[3])|uint16(raw[4])<<8) / 4.0,
	}, nil
}
