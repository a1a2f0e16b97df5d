package driver

import (
	"context"

	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
)

// NXOSSSH polls Nexus switches over SSH when NX-API is disabled.
type NXOSSSH struct {
	ssh *sshRunner
}

func NewNXOSSSH(cfg config.SSHDriverConfig, creds Credentials) (*NXOSSSH, error) {
	r, err := newSSHRunner(cfg, creds)
	if err != nil {
		return nil, err
	}
	return &NXOSSSH{ssh: r}, nil
}

func (d *NXOSSSH) Name() string { return "nxos_ssh" }

func (d *NXOSSSH) Poll(ctx context.Context, dev model.Device) (*model.Reading, error) {
	out, err := d.ssh.run(ctx, dev.Address, "show interface status", "show interface transceiver details")
	if err != nil {
		return nil, err
	}
	return joinCLI(d.Name(), parseStatusTable(out[0]), parseNXOSTransceiver(out[1])), nil
}

// IOS polls Catalyst/IOS-XE switches over SSH.
type IOS struct {
	ssh *sshRunner
}

func NewIOS(cfg config.SSHDriverConfig, creds Credentials) (*IOS, error) {
	r, err := newSSHRunner(cfg, creds)
	if err != nil {
		return nil, err
	}
	return &IOS{ssh: r}, nil
}

func (d *IOS) Name() string { return "ios" }

func (d *IOS) Poll(ctx context.Context, dev model.Device) (*model.Reading, error) {
	out, err := d.ssh.run(ctx, dev.Address, "show interfaces status", "show interfaces transceiver detail")
	if err != nil {
		return nil, err
	}
	return joinCLI(d.Name(), parseStatusTable(out[0]), parseIOSTransceiver(out[1])), nil
}
