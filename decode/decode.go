// Package decode turns raw CAN frames from the sensor nodes into
// canonically named readings: fixed-position integer payloads keyed by
// an arbitration id of the form 0xN0M (N = node, M = message type),
// plus the derived psychrometrics and the CO2 glitch filter.
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"growhouse-go/psychro"
	"growhouse-go/types"
	"growhouse-go/x/mathx"
)

// MessageType is the low byte of the arbitration id.
type MessageType byte

const (
	MsgPT100     MessageType = 0x01
	MsgBME280    MessageType = 0x02
	MsgSCD30     MessageType = 0x03
	MsgVL53      MessageType = 0x04
	MsgHeartbeat MessageType = 0x05
)

func (m MessageType) String() string {
	switch m {
	case MsgPT100:
		return "pt100"
	case MsgBME280:
		return "bme280"
	case MsgSCD30:
		return "scd30"
	case MsgVL53:
		return "vl53"
	case MsgHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("type_%02x", byte(m))
	}
}

// sentinel in PT100 temperature fields meaning "no reading".
const noReading = 0x7FFF

var (
	errShortPayload = errors.New("decode: payload too short")
	errUnknownType  = errors.New("decode: unknown message type")
)

// nodeZones is the static node id -> zone table.
var nodeZones = map[int]types.Zone{
	1: {Location: "Flower Room", Cluster: "back"},
	2: {Location: "Flower Room", Cluster: "front"},
	3: {Location: "Veg Room", Cluster: "main"},
	4: {Location: "Lab", Cluster: "main"},
	5: {Location: "Outside", Cluster: "main"},
}

// zoneSuffix appends the short zone tag to base sensor names. Zones
// not listed publish bare base names.
var zoneSuffix = map[types.Zone]string{
	{Location: "Flower Room", Cluster: "back"}:  "b",
	{Location: "Flower Room", Cluster: "front"}: "f",
	{Location: "Veg Room", Cluster: "main"}:     "v",
}

var (
	zoneLab     = types.Zone{Location: "Lab", Cluster: "main"}
	zoneOutside = types.Zone{Location: "Outside", Cluster: "main"}
)

type overrideKey struct {
	zone types.Zone
	msg  MessageType
	base string
}

// nameOverrides replaces specific (zone, message, field) names where
// the physical placement differs from the node's nominal role: the lab
// PT100 reads room air, its SCD30 thermistor sits in the reservoir,
// and node 5's BME280 is the outdoor reference.
var nameOverrides = map[overrideKey]string{
	{zoneLab, MsgPT100, "dry_bulb"}:         "lab_temp",
	{zoneLab, MsgSCD30, "scd30_temp"}:       "water_temp",
	{zoneOutside, MsgBME280, "bme280_temp"}: "outside_temp",
	{zoneOutside, MsgBME280, "bme280_rh"}:   "outside_rh",
	{zoneOutside, MsgBME280, "pressure"}:    "outside_pressure",
}

// Result is one decoded frame.
type Result struct {
	Node     int
	Zone     types.Zone
	Type     MessageType
	Readings []types.Reading

	// Heartbeat frames only.
	Uptime time.Duration

	// PT100 frames only: the node's rolling message counter.
	Count uint16
}

// Options configures a Decoder.
type Options struct {
	// Fallback is the zone assigned to unknown node ids.
	Fallback types.Zone
}

// Decoder carries the per-zone pressure cache and the per-sensor CO2
// filter rings. Safe for concurrent use.
type Decoder struct {
	log      zerolog.Logger
	fallback types.Zone

	mu       sync.Mutex
	pressure map[types.Zone]float64
	co2      map[string]*co2Ring
}

// New builds a Decoder.
func New(opts Options, log zerolog.Logger) *Decoder {
	fallback := opts.Fallback
	if fallback.IsZero() {
		fallback = types.Zone{Location: "Unknown", Cluster: "main"}
	}
	return &Decoder{
		log:      log.With().Str("component", "decode").Logger(),
		fallback: fallback,
		pressure: make(map[types.Zone]float64),
		co2:      make(map[string]*co2Ring),
	}
}

// Decode parses one frame. Discarded CO2 glitch readings are simply
// absent from the result; malformed frames return an error.
func (d *Decoder) Decode(id uint32, data []byte, ts time.Time) (Result, error) {
	node := int(id >> 8)
	mt := MessageType(id & 0xFF)

	zone, known := nodeZones[node]
	if !known {
		zone = d.fallback
	}
	res := Result{Node: node, Zone: zone, Type: mt}

	switch mt {
	case MsgPT100:
		return d.decodePT100(res, data, ts)
	case MsgBME280:
		return d.decodeBME280(res, data, ts)
	case MsgSCD30:
		return d.decodeSCD30(res, data, ts)
	case MsgVL53:
		return d.decodeVL53(res, data, ts)
	case MsgHeartbeat:
		if len(data) < 6 {
			return res, errShortPayload
		}
		res.Uptime = time.Duration(binary.BigEndian.Uint32(data[2:6])) * time.Millisecond
		return res, nil
	default:
		return res, fmt.Errorf("%w: id %03x", errUnknownType, id)
	}
}

func (d *Decoder) decodePT100(res Result, data []byte, ts time.Time) (Result, error) {
	if len(data) < 6 {
		return res, errShortPayload
	}
	dry, dryOK := tempField(data[0:2])
	wet, wetOK := tempField(data[2:4])
	res.Count = binary.LittleEndian.Uint16(data[4:6])

	if dryOK {
		res.add(d.name(res.Zone, MsgPT100, "dry_bulb"), dry, ts)
	}
	if wetOK {
		res.add(d.name(res.Zone, MsgPT100, "wet_bulb"), wet, ts)
	}
	if dryOK && wetOK {
		rh, vpd := psychro.FromWetDry(dry, wet, d.pressureFor(res.Zone))
		res.add(d.name(res.Zone, MsgPT100, "rh"), mathx.Round3(rh), ts)
		res.add(d.name(res.Zone, MsgPT100, "vpd"), mathx.Round3(vpd), ts)
	}
	return res, nil
}

func (d *Decoder) decodeBME280(res Result, data []byte, ts time.Time) (Result, error) {
	if len(data) < 6 {
		return res, errShortPayload
	}
	temp := float64(int16(binary.BigEndian.Uint16(data[0:2]))) / 100
	rh := float64(binary.BigEndian.Uint16(data[2:4])) / 100
	pressure := float64(binary.BigEndian.Uint16(data[4:6])) / 10

	d.mu.Lock()
	d.pressure[res.Zone] = pressure
	d.mu.Unlock()

	res.add(d.name(res.Zone, MsgBME280, "bme280_temp"), temp, ts)
	res.add(d.name(res.Zone, MsgBME280, "bme280_rh"), rh, ts)
	res.add(d.name(res.Zone, MsgBME280, "pressure"), pressure, ts)
	return res, nil
}

func (d *Decoder) decodeSCD30(res Result, data []byte, ts time.Time) (Result, error) {
	if len(data) < 6 {
		return res, errShortPayload
	}
	co2 := float64(binary.BigEndian.Uint16(data[0:2]))
	temp := float64(int16(binary.BigEndian.Uint16(data[2:4]))) / 100
	rh := float64(binary.BigEndian.Uint16(data[4:6])) / 100

	co2Name := d.name(res.Zone, MsgSCD30, "co2")
	if d.acceptCO2(co2Name, co2, ts) {
		res.add(co2Name, co2, ts)
	} else {
		d.log.Debug().Str("sensor", co2Name).Float64("value", co2).Msg("co2 reading discarded")
	}
	res.add(d.name(res.Zone, MsgSCD30, "scd30_temp"), temp, ts)
	res.add(d.name(res.Zone, MsgSCD30, "scd30_rh"), rh, ts)
	return res, nil
}

func (d *Decoder) decodeVL53(res Result, data []byte, ts time.Time) (Result, error) {
	if len(data) < 6 {
		return res, errShortPayload
	}
	res.add(d.name(res.Zone, MsgVL53, "distance"), float64(binary.BigEndian.Uint16(data[0:2])), ts)
	res.add(d.name(res.Zone, MsgVL53, "ambient"), float64(binary.BigEndian.Uint16(data[2:4])), ts)
	res.add(d.name(res.Zone, MsgVL53, "signal"), float64(binary.BigEndian.Uint16(data[4:6])), ts)
	return res, nil
}

// tempField parses an int16 BE hundredths-of-degree field, honouring
// the 0x7FFF "no reading" sentinel.
func tempField(b []byte) (float64, bool) {
	raw := binary.BigEndian.Uint16(b)
	if raw == noReading {
		return 0, false
	}
	return float64(int16(raw)) / 100, true
}

func (r *Result) add(name string, value float64, ts time.Time) {
	r.Readings = append(r.Readings, types.Reading{Name: name, Value: value, TS: ts})
}

func (d *Decoder) name(z types.Zone, mt MessageType, base string) string {
	if n, ok := nameOverrides[overrideKey{zone: z, msg: mt, base: base}]; ok {
		return n
	}
	sfx := zoneSuffix[z]
	if sfx == "" {
		return base
	}
	return base + "_" + sfx
}

func (d *Decoder) pressureFor(z types.Zone) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pressure[z]; ok {
		return p
	}
	return psychro.StandardPressure
}

func (d *Decoder) acceptCO2(sensor string, v float64, ts time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring, ok := d.co2[sensor]
	if !ok {
		ring = &co2Ring{}
		d.co2[sensor] = ring
	}
	return ring.Accept(v, ts)
}
