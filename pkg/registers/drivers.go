package registers

import (
	"go.uber.org/zap"

	"github.com/optics-collector/internal/driver"
	"github.com/optics-collector/pkg/config"
)

// builtinAliases map common os_name spellings onto the built-in drivers.
var builtinAliases = map[string]string{
	"eapi":     "eos",
	"nxapi":    "nxos",
	"ios_ssh":  "ios",
	"ios-xe":   "ios",
	"iosxe":    "ios",
	"nxos-ssh": "nxos_ssh",
}

// Credentials reads the device credentials from the environment variables
// the config names.
func Credentials(cfg config.CredentialsConfig) (driver.Credentials, error) {
	var (
		creds driver.Credentials
		err   error
	)
	if creds.Username, err = config.Secret(cfg.UsernameEnv); err != nil {
		return creds, err
	}
	if creds.Password, err = config.Secret(cfg.PasswordEnv); err != nil {
		return creds, err
	}
	if creds.Community, err = config.Secret(cfg.SNMPCommunityEnv); err != nil {
		return creds, err
	}
	return creds, nil
}

// Drivers 创建驱动注册表：内置驱动、内置别名、配置中的别名
func Drivers(cfg config.DriversConfig, creds driver.Credentials, logger *zap.Logger) (*driver.Registry, error) {
	modules := []Module[driver.Driver]{
		{
			Enabled: true,
			Name:    "eos",
			NewFunc: func() (driver.Driver, error) { return driver.NewEOS(cfg.EOS, creds), nil },
		},
		{
			Enabled: true,
			Name:    "nxos",
			NewFunc: func() (driver.Driver, error) { return driver.NewNXAPI(cfg.NXAPI, creds), nil },
		},
		{
			Enabled: true,
			Name:    "nxos_ssh",
			NewFunc: func() (driver.Driver, error) { return driver.NewNXOSSSH(cfg.SSH, creds) },
		},
		{
			Enabled: true,
			Name:    "ios",
			NewFunc: func() (driver.Driver, error) { return driver.NewIOS(cfg.SSH, creds) },
		},
		{
			Enabled: creds.Community != "",
			Name:    "snmp",
			NewFunc: func() (driver.Driver, error) { return driver.NewSNMP(cfg.SNMP, creds), nil },
		},
	}
	drivers, err := Build(modules, logger)
	if err != nil {
		return nil, &config.Error{Op: "drivers", Err: err}
	}

	reg := driver.NewRegistry()
	for _, d := range drivers {
		reg.Register(d)
	}
	for alias, target := range builtinAliases {
		// a disabled target simply leaves the alias out
		_ = reg.Alias(alias, target)
	}
	for alias, target := range cfg.Aliases {
		if err := reg.Alias(alias, target); err != nil {
			return nil, &config.Error{Op: "drivers.aliases", Err: err}
		}
	}
	logger.Info("drivers registered", zap.Strings("platforms", reg.Platforms()))
	return reg, nil
}
