package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
)

const (
	nxTransceiverCmd = "show interface transceiver details"
	nxStatusCmd      = "show interface status"
)

// NX-API element names of each sensor value and its alarm flag.
var nxSensorFields = []struct {
	sensor      model.Sensor
	value, flag string
}{
	{model.SensorRxPower, "rx_pwr", "rx_pwr_flag"},
	{model.SensorTxPower, "tx_pwr", "tx_pwr_flag"},
	{model.SensorTemp, "temperature", "temp_flag"},
	{model.SensorVoltage, "voltage", "volt_flag"},
	{model.SensorBias, "current", "current_flag"},
}

// NXAPI polls Cisco Nexus switches through NX-API (cli_show, XML output).
type NXAPI struct {
	api *httpAPI
}

func NewNXAPI(cfg config.HTTPDriverConfig, creds Credentials) *NXAPI {
	return &NXAPI{api: newHTTPAPI(cfg, creds)}
}

func (d *NXAPI) Name() string { return "nxos" }

func (d *NXAPI) Poll(ctx context.Context, dev model.Device) (*model.Reading, error) {
	body, err := json.Marshal(map[string]any{
		"ins_api": map[string]string{
			"version":       "1.0",
			"type":          "cli_show",
			"chunk":         "0",
			"sid":           "1",
			"input":         nxTransceiverCmd + " ;" + nxStatusCmd,
			"output_format": "xml",
		},
	})
	if err != nil {
		return nil, Permanent(err)
	}
	payload, err := d.api.post(ctx, d.api.url(dev.Address, "/ins"), "application/json", body)
	if err != nil {
		return nil, err
	}
	return parseNXAPI(payload)
}

func parseNXAPI(payload []byte) (*model.Reading, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, Transient(fmt.Errorf("parse NX-API response: %w", err))
	}
	outputs := xmlquery.Find(doc, "//outputs/output")
	if len(outputs) != 2 {
		return nil, Transient(fmt.Errorf("NX-API returned %d outputs, want 2", len(outputs)))
	}
	for _, out := range outputs {
		if code := text(out, "code"); code != "200" {
			err := fmt.Errorf("NX-API command failed: %s %s", code, text(out, "msg"))
			// 400 = syntax/unsupported command
			if code == "400" || code == "413" {
				return nil, Permanent(err)
			}
			return nil, Transient(err)
		}
	}

	type status struct {
		desc string
		link model.LinkState
	}
	statuses := map[string]status{}
	for _, row := range xmlquery.Find(outputs[1], ".//ROW_interface") {
		statuses[text(row, "interface")] = status{desc: text(row, "name"), link: nxLinkState(text(row, "state"))}
	}

	reading := &model.Reading{Platform: "nxos"}
	for _, row := range xmlquery.Find(outputs[0], ".//ROW_interface[sfp='present' and temperature]") {
		name := text(row, "interface")
		st, ok := statuses[name]
		if !ok {
			continue
		}
		media := text(row, "type")
		if media == "" {
			media = text(row, "partnum")
		}
		ifc := model.InterfaceOptics{
			Name:        name,
			Description: st.desc,
			Media:       media,
			Link:        st.link,
			Values:      map[model.Sensor]float64{},
			Flags:       map[model.Sensor]string{},
		}
		for _, f := range nxSensorFields {
			v, err := strconv.ParseFloat(text(row, f.value), 64)
			if err != nil {
				continue
			}
			ifc.Values[f.sensor] = v
			ifc.Flags[f.sensor] = text(row, f.flag)
		}
		if len(ifc.Values) > 0 {
			reading.Interfaces = append(reading.Interfaces, ifc)
		}
	}
	return reading, nil
}

func text(n *xmlquery.Node, child string) string {
	c := n.SelectElement(child)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.InnerText())
}

func nxLinkState(state string) model.LinkState {
	switch state {
	case "connected", "up":
		return model.LinkUp
	case "disabled":
		return model.LinkAdminDown
	}
	return model.LinkDown
}
