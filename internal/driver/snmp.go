package driver

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
)

const (
	oidEntPhysicalName = ".1.3.6.1.2.1.47.1.1.1.1.7"
	oidSensorType      = ".1.3.6.1.2.1.99.1.1.1.1"
	oidSensorScale     = ".1.3.6.1.2.1.99.1.1.1.2"
	oidSensorPrecision = ".1.3.6.1.2.1.99.1.1.1.3"
	oidSensorValue     = ".1.3.6.1.2.1.99.1.1.1.4"
	oidIfName          = ".1.3.6.1.2.1.31.1.1.1.1"
	oidIfAlias         = ".1.3.6.1.2.1.31.1.1.1.18"
	oidIfAdminStatus   = ".1.3.6.1.2.1.2.2.1.7"
	oidIfOperStatus    = ".1.3.6.1.2.1.2.2.1.8"
)

// EntitySensorDataType values used by optics.
const (
	sensorVoltsDC = 4
	sensorAmperes = 5
	sensorWatts   = 6
	sensorCelsius = 8
	sensorDBm     = 14
)

const defaultSNMPTimeout = 10 * time.Second

var sensorIfName = regexp.MustCompile(`\b([A-Za-z]+\d+(?:/\d+)*)\b`)

// SNMP polls any device implementing ENTITY-SENSOR-MIB and IF-MIB.
type SNMP struct {
	port      uint16
	version   gosnmp.SnmpVersion
	community string
}

func NewSNMP(cfg config.SNMPDriverConfig, creds Credentials) *SNMP {
	v := gosnmp.Version2c
	if cfg.Version == "1" {
		v = gosnmp.Version1
	}
	return &SNMP{port: uint16(cfg.Port), version: v, community: creds.Community}
}

func (d *SNMP) Name() string { return "snmp" }

// snmpTables holds the walked columns keyed by row index.
type snmpTables struct {
	entName map[string]string
	sType   map[string]int64
	sScale  map[string]int64
	sPrec   map[string]int64
	sValue  map[string]int64
	ifName  map[string]string
	ifAlias map[string]string
	ifAdmin map[string]int64
	ifOper  map[string]int64
}

func (d *SNMP) Poll(ctx context.Context, dev model.Device) (*model.Reading, error) {
	timeout := defaultSNMPTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	client := &gosnmp.GoSNMP{
		Target:    dev.Address,
		Port:      d.port,
		Community: d.community,
		Version:   d.version,
		Timeout:   timeout,
		Retries:   0,
		Context:   ctx,
		MaxOids:   gosnmp.MaxOids,
	}
	if err := client.Connect(); err != nil {
		return nil, Transient(fmt.Errorf("snmp connect %s: %w", dev.Address, err))
	}
	defer client.Conn.Close()

	t := snmpTables{
		entName: map[string]string{}, sType: map[string]int64{}, sScale: map[string]int64{},
		sPrec: map[string]int64{}, sValue: map[string]int64{}, ifName: map[string]string{},
		ifAlias: map[string]string{}, ifAdmin: map[string]int64{}, ifOper: map[string]int64{},
	}
	walks := []struct {
		oid string
		fn  gosnmp.WalkFunc
	}{
		{oidSensorType, intColumn(oidSensorType, t.sType)},
		{oidSensorScale, intColumn(oidSensorScale, t.sScale)},
		{oidSensorPrecision, intColumn(oidSensorPrecision, t.sPrec)},
		{oidSensorValue, intColumn(oidSensorValue, t.sValue)},
		{oidEntPhysicalName, stringColumn(oidEntPhysicalName, t.entName)},
		{oidIfName, stringColumn(oidIfName, t.ifName)},
		{oidIfAlias, stringColumn(oidIfAlias, t.ifAlias)},
		{oidIfAdminStatus, intColumn(oidIfAdminStatus, t.ifAdmin)},
		{oidIfOperStatus, intColumn(oidIfOperStatus, t.ifOper)},
	}
	for _, w := range walks {
		var err error
		if d.version == gosnmp.Version1 {
			err = client.Walk(w.oid, w.fn)
		} else {
			err = client.BulkWalk(w.oid, w.fn)
		}
		if err != nil {
			return nil, Transient(fmt.Errorf("snmp walk %s on %s: %w", w.oid, dev.Address, err))
		}
		if len(t.sType) == 0 && w.oid == oidSensorType {
			// no ENTITY-SENSOR-MIB, nothing to report
			return &model.Reading{Platform: d.Name()}, nil
		}
	}
	return buildSNMPReading(t), nil
}

func intColumn(base string, dst map[string]int64) gosnmp.WalkFunc {
	return func(pdu gosnmp.SnmpPDU) error {
		idx := strings.TrimPrefix(pdu.Name, base+".")
		switch pdu.Type {
		case gosnmp.Integer, gosnmp.Gauge32, gosnmp.Counter32, gosnmp.Uinteger32:
			dst[idx] = gosnmp.ToBigInt(pdu.Value).Int64()
		}
		return nil
	}
}

func stringColumn(base string, dst map[string]string) gosnmp.WalkFunc {
	return func(pdu gosnmp.SnmpPDU) error {
		if b, ok := pdu.Value.([]byte); ok {
			dst[strings.TrimPrefix(pdu.Name, base+".")] = string(b)
		}
		return nil
	}
}

func buildSNMPReading(t snmpTables) *model.Reading {
	ports := map[string]string{}
	for idx, name := range t.ifName {
		ports[ExpandIfName(name)] = idx
	}

	indexes := make([]string, 0, len(t.sType))
	for idx := range t.sType {
		indexes = append(indexes, idx)
	}
	// lowest entity index first, so the first lane of multi-lane optics wins
	sort.Slice(indexes, func(i, j int) bool {
		a, _ := strconv.Atoi(indexes[i])
		b, _ := strconv.Atoi(indexes[j])
		return a < b
	})

	optics := map[string]*model.InterfaceOptics{}
	for _, idx := range indexes {
		typ := t.sType[idx]
		ifname, sensor, ok := classifySensor(t.entName[idx], typ)
		if !ok {
			continue
		}
		ifIndex, ok := ports[ifname]
		if !ok {
			continue
		}
		raw, ok := t.sValue[idx]
		if !ok {
			continue
		}
		v, ok := scaleSensor(raw, t.sScale[idx], t.sPrec[idx], typ, sensor)
		if !ok {
			continue
		}
		ifc, ok := optics[ifname]
		if !ok {
			ifc = &model.InterfaceOptics{
				Name:        ifname,
				Description: t.ifAlias[ifIndex],
				Link:        snmpLinkState(t.ifAdmin[ifIndex], t.ifOper[ifIndex]),
				Values:      map[model.Sensor]float64{},
			}
			optics[ifname] = ifc
		}
		if _, seen := ifc.Values[sensor]; !seen {
			ifc.Values[sensor] = v
		}
	}

	statuses := make(map[string]cliStatus, len(optics))
	for name, ifc := range optics {
		statuses[name] = cliStatus{desc: ifc.Description, link: ifc.Link}
	}
	return joinCLI("snmp", statuses, optics)
}

// classifySensor maps an entPhysicalName such as
// "Ethernet1/1 Lane 1 Transceiver Receive Power Sensor" to its port and sensor.
func classifySensor(name string, typ int64) (string, model.Sensor, bool) {
	m := sensorIfName.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	lower := strings.ToLower(name)
	var s model.Sensor
	switch {
	case strings.Contains(lower, "rx power") || strings.Contains(lower, "receive power"):
		s = model.SensorRxPower
	case strings.Contains(lower, "tx power") || strings.Contains(lower, "transmit power"):
		s = model.SensorTxPower
	case strings.Contains(lower, "bias") || typ == sensorAmperes:
		s = model.SensorBias
	case typ == sensorCelsius:
		s = model.SensorTemp
	case typ == sensorVoltsDC:
		s = model.SensorVoltage
	default:
		return "", "", false
	}
	return ExpandIfName(m[1]), s, true
}

// scaleSensor applies EntitySensorDataScale and precision, and converts to
// the units the other drivers report (dBm, mA, C, V).
func scaleSensor(raw, scale, precision, typ int64, s model.Sensor) (float64, bool) {
	exp := 0
	if scale > 0 {
		exp = int(scale-9) * 3
	}
	v := float64(raw) * math.Pow10(exp) / math.Pow10(int(precision))

	switch s {
	case model.SensorRxPower, model.SensorTxPower:
		if typ == sensorWatts {
			if v <= 0 {
				return 0, false
			}
			return 10 * math.Log10(v*1000), true
		}
		return v, typ == sensorDBm
	case model.SensorBias:
		return v * 1000, typ == sensorAmperes
	}
	return v, true
}

func snmpLinkState(admin, oper int64) model.LinkState {
	switch {
	case admin == 2:
		return model.LinkAdminDown
	case oper == 1:
		return model.LinkUp
	}
	return model.LinkDown
}
