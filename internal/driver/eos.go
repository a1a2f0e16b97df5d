package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
)

const (
	eosTransceiverCmd = "show interfaces transceiver detail"
	eosDescriptionCmd = "show interfaces description"
)

// eAPI error codes that no retry can fix.
var eosPermanentCodes = map[int]bool{
	1002: true, // invalid command
	1003: true, // command unconverted to JSON
	1005: true, // unauthorized command
}

// EOS polls Arista switches through eAPI.
type EOS struct {
	api *httpAPI
}

func NewEOS(cfg config.HTTPDriverConfig, creds Credentials) *EOS {
	return &EOS{api: newHTTPAPI(cfg, creds)}
}

func (d *EOS) Name() string { return "eos" }

type eapiRequest struct {
	JSONRPC string     `json:"jsonrpc"`
	Method  string     `json:"method"`
	Params  eapiParams `json:"params"`
	ID      string     `json:"id"`
}

type eapiParams struct {
	Version int      `json:"version"`
	Cmds    []string `json:"cmds"`
	Format  string   `json:"format"`
}

type eapiResponse struct {
	Result []json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type eosTransceivers struct {
	Interfaces map[string]eosDOM `json:"interfaces"`
}

type eosDOM struct {
	MediaType   string                      `json:"mediaType"`
	TxPower     *float64                    `json:"txPower"`
	RxPower     *float64                    `json:"rxPower"`
	Temperature *float64                    `json:"temperature"`
	Voltage     *float64                    `json:"voltage"`
	TxBias      *float64                    `json:"txBias"`
	Details     map[string]model.Thresholds `json:"details"`
}

type eosDescriptions struct {
	InterfaceDescriptions map[string]struct {
		Description     string `json:"description"`
		InterfaceStatus string `json:"interfaceStatus"`
	} `json:"interfaceDescriptions"`
}

// eAPI JSON keys of each sensor
var eosSensorKeys = map[model.Sensor]string{
	model.SensorTxPower: "txPower",
	model.SensorRxPower: "rxPower",
	model.SensorTemp:    "temperature",
	model.SensorVoltage: "voltage",
	model.SensorBias:    "txBias",
}

func (d *EOS) Poll(ctx context.Context, dev model.Device) (*model.Reading, error) {
	body, err := json.Marshal(eapiRequest{
		JSONRPC: "2.0",
		Method:  "runCmds",
		Params:  eapiParams{Version: 1, Cmds: []string{eosTransceiverCmd, eosDescriptionCmd}, Format: "json"},
		ID:      dev.Host,
	})
	if err != nil {
		return nil, Permanent(err)
	}
	payload, err := d.api.post(ctx, d.api.url(dev.Address, "/command-api"), "application/json", body)
	if err != nil {
		return nil, err
	}
	return parseEAPI(payload)
}

func parseEAPI(payload []byte) (*model.Reading, error) {
	var resp eapiResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, Transient(fmt.Errorf("decode eAPI response: %w", err))
	}
	if resp.Error != nil {
		err := fmt.Errorf("eAPI error %d: %s", resp.Error.Code, resp.Error.Message)
		if eosPermanentCodes[resp.Error.Code] {
			return nil, Permanent(err)
		}
		return nil, Transient(err)
	}
	if len(resp.Result) != 2 {
		return nil, Transient(fmt.Errorf("eAPI returned %d results, want 2", len(resp.Result)))
	}

	var dom eosTransceivers
	if err := json.Unmarshal(resp.Result[0], &dom); err != nil {
		return nil, Transient(fmt.Errorf("decode %q: %w", eosTransceiverCmd, err))
	}
	var desc eosDescriptions
	if err := json.Unmarshal(resp.Result[1], &desc); err != nil {
		return nil, Transient(fmt.Errorf("decode %q: %w", eosDescriptionCmd, err))
	}

	reading := &model.Reading{Platform: "eos"}
	for name, d := range dom.Interfaces {
		values := d.values()
		if len(values) == 0 {
			continue
		}
		// lanes of a breakout port have no description entry
		info, ok := desc.InterfaceDescriptions[name]
		if !ok {
			continue
		}
		ifc := model.InterfaceOptics{
			Name:        name,
			Description: info.Description,
			Media:       d.MediaType,
			Link:        eosLinkState(info.InterfaceStatus),
			Values:      values,
		}
		for sensor, key := range eosSensorKeys {
			if th, ok := d.Details[key]; ok {
				if ifc.Thresholds == nil {
					ifc.Thresholds = map[model.Sensor]model.Thresholds{}
				}
				ifc.Thresholds[sensor] = th
			}
		}
		reading.Interfaces = append(reading.Interfaces, ifc)
	}
	return reading, nil
}

func (d eosDOM) values() map[model.Sensor]float64 {
	out := map[model.Sensor]float64{}
	set := func(s model.Sensor, v *float64) {
		if v != nil {
			out[s] = *v
		}
	}
	set(model.SensorTxPower, d.TxPower)
	set(model.SensorRxPower, d.RxPower)
	set(model.SensorTemp, d.Temperature)
	set(model.SensorVoltage, d.Voltage)
	set(model.SensorBias, d.TxBias)
	return out
}

func eosLinkState(status string) model.LinkState {
	switch status {
	case "up":
		return model.LinkUp
	case "adminDown":
		return model.LinkAdminDown
	}
	return model.LinkDown
}
