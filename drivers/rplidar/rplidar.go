// Package rplidar drives Slamtec RPLIDAR A1/A2/A3 laser scanners over a
// serial port.
package rplidar

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"

	"github.com/brokenrobotz/viam-sensorbox/fusion"
	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
)

const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = 100 * time.Millisecond
	// a scan shorter than this is discarded as a partial first rotation
	defaultMinScanLen = 5
)

// Port is the part of a serial port the driver needs.
type Port interface {
	io.ReadWriteCloser
}

// dtrSetter is implemented by real serial ports; the motor of A1 units is
// switched by the DTR line.
type dtrSetter interface {
	SetDTR(dtr bool) error
}

type readTimeoutSetter interface {
	SetReadTimeout(t time.Duration) error
}

// Opener opens the named port.
type Opener func(path string, baud int) (Port, error)

// OpenSerial opens a real serial port, 8N1.
func OpenSerial(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port %s", path)
	}
	return port, nil
}

// Config configures one scanner.
type Config struct {
	Port        string
	SensorID    string
	BaudRate    int
	MotorPWM    int
	ReadTimeout time.Duration
	MinScanLen  int
	Open        Opener
	Clock       clock.Clock
	Logger      logging.Logger
}

// Lidar is an RPLIDAR scanner. Read blocks until a full rotation has been
// received and is meant to be called from a single worker goroutine.
type Lidar struct {
	cfg    Config
	logger logging.Logger
	clk    clock.Clock
	seq    *frame.Sequencer

	mu       sync.Mutex
	port     Port
	reader   *bufio.Reader
	scanning bool
	pending  []frame.ScanPoint
	info     DeviceInfo
	health   Health
}

var _ fusion.LaserScanner = (*Lidar)(nil)

// New returns a disconnected scanner.
func New(cfg Config) *Lidar {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.MotorPWM == 0 {
		cfg.MotorPWM = DefaultMotorPWM
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.MinScanLen == 0 {
		cfg.MinScanLen = defaultMinScanLen
	}
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.SensorID == "" {
		cfg.SensorID = "rplidar" + strings.ReplaceAll(cfg.Port, "/", "_")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("rplidar")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Lidar{cfg: cfg, logger: cfg.Logger, clk: cfg.Clock, seq: frame.NewSequencer(cfg.Clock)}
}

// SensorID is the id stamped on every frame.
func (l *Lidar) SensorID() string { return l.cfg.SensorID }

// Connect opens the port, queries info and health and refuses a device that
// reports an error state.
func (l *Lidar) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port != nil {
		return nil
	}
	port, err := l.cfg.Open(l.cfg.Port, l.cfg.BaudRate)
	if err != nil {
		return err
	}
	if ts, ok := port.(readTimeoutSetter); ok {
		if err := ts.SetReadTimeout(l.cfg.ReadTimeout); err != nil {
			port.Close()
			return errors.Wrap(err, "setting read timeout")
		}
	}
	l.port = port
	l.reader = bufio.NewReader(port)

	info, err := l.getInfoLocked()
	if err != nil {
		l.closeLocked()
		return err
	}
	health, err := l.getHealthLocked()
	if err != nil {
		l.closeLocked()
		return err
	}
	if health.Status == HealthError {
		l.closeLocked()
		return errors.Errorf("rplidar %s reports error state, code %d", l.cfg.Port, health.ErrorCode)
	}
	l.info, l.health = info, health
	l.seq.Reset()
	l.logger.Infow("rplidar connected", "port", l.cfg.Port, "model", info.Model,
		"firmware", info.Firmware(), "serial", info.SerialNumber, "health", health.Status.String())
	return nil
}

// Disconnect stops scanning and the motor, then closes the port.
func (l *Lidar) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil
	}
	var err error
	if l.scanning {
		err = l.send(command(cmdStop, nil))
		time.Sleep(time.Millisecond)
	}
	if merr := l.setMotorLocked(false); err == nil {
		err = merr
	}
	if cerr := l.closeLocked(); err == nil {
		err = cerr
	}
	return err
}

func (l *Lidar) closeLocked() error {
	err := l.port.Close()
	l.port = nil
	l.reader = nil
	l.scanning = false
	l.pending = nil
	return err
}

// Info returns what the device reported on connect.
func (l *Lidar) Info() (DeviceInfo, Health, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return DeviceInfo{}, Health{}, fusion.ErrNotConnected
	}
	return l.info, l.health, nil
}

// Read returns one 360° scan. The first call starts the motor and the scan.
// A closed scanner returns fusion.ErrSourceClosed.
func (l *Lidar) Read(ctx context.Context) (*frame.SensorFrame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil, fusion.ErrSourceClosed
	}
	if !l.scanning {
		if err := l.startScanLocked(); err != nil {
			return nil, err
		}
	}

	r := &blockingReader{ctx: ctx, r: l.reader}
	node := make([]byte, scanLen)
	for {
		if _, err := io.ReadFull(r, node); err != nil {
			return nil, errors.Wrap(err, "reading scan node")
		}
		m, err := decodeMeasurement(node)
		if err != nil {
			// resynchronize on the next node boundary
			l.reader.Discard(1)
			return nil, err
		}
		if m.newScan && len(l.pending) > 0 {
			scan := l.pending
			l.pending = []frame.ScanPoint{}
			if len(scan) > l.cfg.MinScanLen {
				l.appendMeasurement(m)
				return l.frame(scan), nil
			}
		}
		l.appendMeasurement(m)
	}
}

func (l *Lidar) appendMeasurement(m measurement) {
	if m.distanceMM <= 0 {
		return
	}
	l.pending = append(l.pending, frame.ScanPoint{
		AngleDeg:   m.angleDeg,
		DistanceMM: m.distanceMM,
		Quality:    m.quality,
	})
}

func (l *Lidar) frame(scan []frame.ScanPoint) *frame.SensorFrame {
	ts, wall, seq := l.seq.Stamp()
	return &frame.SensorFrame{
		SensorID:   l.cfg.SensorID,
		SensorType: frame.SensorTypeLidar,
		FrameType:  frame.FrameTypeScan,
		Timestamp:  ts,
		WallTime:   wall,
		Sequence:   seq,
		Data:       &frame.ScanPayload{Points: scan},
		Metadata: map[string]interface{}{
			"num_points": len(scan),
			"port":       l.cfg.Port,
		},
	}
}

func (l *Lidar) startScanLocked() error {
	if err := l.setMotorLocked(true); err != nil {
		return err
	}
	if err := l.send(command(cmdScan, nil)); err != nil {
		return err
	}
	d, err := readDescriptor(l.responseReader())
	if err != nil {
		return err
	}
	if err := expect(d, scanLen, scanType); err != nil {
		return err
	}
	l.scanning = true
	l.pending = []frame.ScanPoint{}
	return nil
}

func (l *Lidar) setMotorLocked(on bool) error {
	pwm := 0
	if on {
		pwm = l.cfg.MotorPWM
		if pwm > maxMotorPWM {
			pwm = maxMotorPWM
		}
	}
	if d, ok := l.port.(dtrSetter); ok {
		if err := d.SetDTR(!on); err != nil {
			return errors.Wrap(err, "switching motor")
		}
	}
	return l.send(pwmCommand(pwm))
}

func (l *Lidar) getInfoLocked() (DeviceInfo, error) {
	raw, err := l.request(cmdGetInfo, infoLen, infoType)
	if err != nil {
		return DeviceInfo{}, errors.Wrap(err, "GET_INFO")
	}
	return parseInfo(raw), nil
}

func (l *Lidar) getHealthLocked() (Health, error) {
	raw, err := l.request(cmdGetHealth, healthLen, healthType)
	if err != nil {
		return Health{}, errors.Wrap(err, "GET_HEALTH")
	}
	return parseHealth(raw), nil
}

func (l *Lidar) request(cmd byte, size int, dataType byte) ([]byte, error) {
	if err := l.send(command(cmd, nil)); err != nil {
		return nil, err
	}
	r := l.responseReader()
	d, err := readDescriptor(r)
	if err != nil {
		return nil, err
	}
	if err := expect(d, size, dataType); err != nil {
		return nil, err
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	return raw, nil
}

func (l *Lidar) send(pkt []byte) error {
	_, err := l.port.Write(pkt)
	return errors.Wrap(err, "writing to rplidar")
}

// ErrResponseTimeout is returned when the device does not answer a request.
var ErrResponseTimeout = errors.New("rplidar did not respond")

const responseTimeout = time.Second

// blockingReader retries the zero-length reads a serial port returns on its
// read timeout until data arrives, ctx is done or the deadline passes.
type blockingReader struct {
	ctx      context.Context
	r        io.Reader
	clk      clock.Clock
	deadline time.Time
}

func (b *blockingReader) Read(p []byte) (int, error) {
	for {
		if err := b.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := b.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		if !b.deadline.IsZero() && b.clk.Now().After(b.deadline) {
			return 0, ErrResponseTimeout
		}
	}
}

func (l *Lidar) responseReader() io.Reader {
	return &blockingReader{
		ctx:      context.Background(),
		r:        l.reader,
		clk:      l.clk,
		deadline: l.clk.Now().Add(responseTimeout),
	}
}

// Candidate is a serial port that answered GET_INFO.
type Candidate struct {
	Port     string     `json:"port"`
	Info     DeviceInfo `json:"info"`
	Firmware string     `json:"firmware"`
}

// Discover probes every USB serial port for an RPLIDAR.
func Discover(ctx context.Context, logger logging.Logger) ([]Candidate, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "enumerating serial ports")
	}
	var found []Candidate
	for _, p := range ports {
		if !strings.Contains(p, "ttyUSB") && !strings.Contains(p, "ttyACM") {
			continue
		}
		l := New(Config{Port: p, Logger: logger})
		if err := l.Connect(ctx); err != nil {
			logger.Debugw("no rplidar on port", "port", p, "error", err)
			continue
		}
		info, _, _ := l.Info()
		found = append(found, Candidate{Port: p, Info: info, Firmware: info.Firmware()})
		if err := l.Disconnect(ctx); err != nil {
			logger.Debugw("closing probed port", "port", p, "error", err)
		}
	}
	return found, nil
}
