package driver

import (
	"sort"
	"strconv"
	"strings"

	"github.com/optics-collector/internal/model"
)

type cliStatus struct {
	desc  string
	link  model.LinkState
	media string
}

// parseStatusTable reads the fixed-width "show interface(s) status" table of
// NX-OS and IOS. Columns are located from the header line because the Name
// column may contain spaces. Keys are full interface names.
func parseStatusTable(out string) map[string]cliStatus {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
	cols := map[string]int{}
	res := map[string]cliStatus{}

	for _, line := range lines {
		if len(cols) == 0 {
			if strings.HasPrefix(line, "Port") && strings.Contains(line, "Status") {
				cols = headerColumns(line)
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || !looksLikeIfName(fields[0]) {
			continue
		}
		st := cliStatus{
			desc:  column(line, cols["Name"], cols["Status"]),
			media: column(line, cols["Type"], -1),
		}
		if st.desc == "--" {
			st.desc = ""
		}
		if st.media == "--" {
			st.media = ""
		}
		status := ""
		if f := strings.Fields(column(line, cols["Status"], -1)); len(f) > 0 {
			status = f[0]
		}
		switch status {
		case "connected":
			st.link = model.LinkUp
		case "disabled":
			st.link = model.LinkAdminDown
		default:
			st.link = model.LinkDown
		}
		res[ExpandIfName(fields[0])] = st
	}
	return res
}

func headerColumns(header string) map[string]int {
	cols := map[string]int{}
	inWord := false
	for i, r := range header {
		if r != ' ' && !inWord {
			end := strings.IndexByte(header[i:], ' ')
			word := header[i:]
			if end >= 0 {
				word = header[i : i+end]
			}
			cols[word] = i
		}
		inWord = r != ' '
	}
	return cols
}

// column returns line[start:end] trimmed; end < 0 means to the end of line.
func column(line string, start, end int) string {
	if start >= len(line) || start < 0 {
		return ""
	}
	if end < 0 || end > len(line) {
		end = len(line)
	}
	if end < start {
		return ""
	}
	return strings.TrimSpace(line[start:end])
}

func isFlag(s string) bool {
	return s == "++" || s == "+" || s == "-" || s == "--"
}

func isUnit(s string) bool {
	switch s {
	case "C", "V", "mA", "dBm", "mW":
		return true
	}
	return false
}

var nxosRowLabels = []struct {
	label  string
	sensor model.Sensor
}{
	{"Temperature", model.SensorTemp},
	{"Voltage", model.SensorVoltage},
	{"Current", model.SensorBias},
	{"Tx Power", model.SensorTxPower},
	{"Rx Power", model.SensorRxPower},
}

// parseNXOSTransceiver reads "show interface transceiver details". Only the
// first lane of multi-lane optics is reported.
func parseNXOSTransceiver(out string) map[string]*model.InterfaceOptics {
	res := map[string]*model.InterfaceOptics{}
	var (
		cur      *model.InterfaceOptics
		partNum  string
		skipLane bool
	)
	finish := func() {
		if cur != nil && cur.Media == "" {
			cur.Media = partNum
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if line[0] != ' ' && looksLikeIfName(trimmed) && !strings.Contains(trimmed, " ") {
			finish()
			cur = &model.InterfaceOptics{
				Name:       ExpandIfName(trimmed),
				Values:     map[model.Sensor]float64{},
				Flags:      map[model.Sensor]string{},
				Thresholds: map[model.Sensor]model.Thresholds{},
			}
			partNum, skipLane = "", false
			continue
		}
		if cur == nil {
			continue
		}
		switch {
		case trimmed == "transceiver is present":
			res[cur.Name] = cur
		case strings.HasPrefix(trimmed, "type is "):
			cur.Media = strings.TrimSpace(strings.TrimPrefix(trimmed, "type is "))
		case strings.HasPrefix(trimmed, "part number is "):
			partNum = strings.TrimSpace(strings.TrimPrefix(trimmed, "part number is "))
		case strings.HasPrefix(trimmed, "Lane Number:"):
			skipLane = len(cur.Values) > 0
		case !skipLane:
			parseNXOSSensorRow(cur, trimmed)
		}
	}
	finish()

	for name, ifc := range res {
		if !strings.HasPrefix(name, "Ethernet") || len(ifc.Values) == 0 {
			delete(res, name)
		}
	}
	return res
}

func parseNXOSSensorRow(ifc *model.InterfaceOptics, row string) {
	for _, l := range nxosRowLabels {
		if !strings.HasPrefix(row, l.label+" ") {
			continue
		}
		rest := strings.Fields(strings.TrimPrefix(row, l.label))
		if len(rest) == 0 {
			return
		}
		v, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			return
		}
		i := 1
		if i < len(rest) && isUnit(rest[i]) {
			i++
		}
		flag := ""
		if i < len(rest) && isFlag(rest[i]) {
			flag = rest[i]
			i++
		}
		ifc.Values[l.sensor] = v
		ifc.Flags[l.sensor] = flag
		// High Alarm, Low Alarm, High Warn, Low Warn
		if nums := numbers(rest[i:]); len(nums) == 4 {
			ifc.Thresholds[l.sensor] = model.Thresholds{HighAlarm: nums[0], LowAlarm: nums[1], HighWarn: nums[2], LowWarn: nums[3]}
		}
		return
	}
}

// parseIOSTransceiver reads the per-sensor tables of IOS
// "show interfaces transceiver detail".
func parseIOSTransceiver(out string) map[string]*model.InterfaceOptics {
	res := map[string]*model.InterfaceOptics{}
	var sensor model.Sensor

	for _, line := range strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n") {
		if strings.Contains(line, "Threshold") {
			switch {
			case strings.Contains(line, "Temperature"):
				sensor = model.SensorTemp
			case strings.Contains(line, "Voltage"):
				sensor = model.SensorVoltage
			case strings.Contains(line, "Current"):
				sensor = model.SensorBias
			case strings.Contains(line, "Transmit Power"):
				sensor = model.SensorTxPower
			case strings.Contains(line, "Receive Power"):
				sensor = model.SensorRxPower
			}
			continue
		}
		fields := strings.Fields(line)
		if sensor == "" || len(fields) < 2 || !looksLikeIfName(fields[0]) {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		name := ExpandIfName(fields[0])
		ifc, ok := res[name]
		if !ok {
			ifc = &model.InterfaceOptics{
				Name:       name,
				Values:     map[model.Sensor]float64{},
				Flags:      map[model.Sensor]string{},
				Thresholds: map[model.Sensor]model.Thresholds{},
			}
			res[name] = ifc
		}
		i := 2
		flag := ""
		if i < len(fields) && isFlag(fields[i]) {
			flag = fields[i]
			i++
		}
		ifc.Values[sensor] = v
		ifc.Flags[sensor] = flag
		// High Alarm, High Warn, Low Warn, Low Alarm
		if nums := numbers(fields[i:]); len(nums) == 4 {
			ifc.Thresholds[sensor] = model.Thresholds{HighAlarm: nums[0], HighWarn: nums[1], LowWarn: nums[2], LowAlarm: nums[3]}
		}
	}
	return res
}

func numbers(tokens []string) []float64 {
	var out []float64
	for _, t := range tokens {
		if isUnit(t) {
			continue
		}
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return out
		}
		out = append(out, v)
	}
	return out
}

// joinCLI keeps the interfaces present in both tables, in name order.
func joinCLI(platform string, statuses map[string]cliStatus, optics map[string]*model.InterfaceOptics) *model.Reading {
	reading := &model.Reading{Platform: platform}
	names := make([]string, 0, len(optics))
	for name := range optics {
		if _, ok := statuses[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		st := statuses[name]
		ifc := *optics[name]
		ifc.Description = st.desc
		ifc.Link = st.link
		if ifc.Media == "" {
			ifc.Media = st.media
		}
		reading.Interfaces = append(reading.Interfaces, ifc)
	}
	return reading
}
