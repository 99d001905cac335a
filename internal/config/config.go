// Package config resolves daemon configuration from CLI flags and an
// optional INI file, in the teacher's cmd/test_sip/main.go flag idiom
// (github.com/arzzra/soft_phone's CLI binaries all parse flag.* directly
// in main), plus gopkg.in/ini.v1 for the on-disk form original_source
// ships (rtpmidid.ini in the original C++ daemon).
package config

import (
	"flag"

	"gopkg.in/ini.v1"
)

// Config holds every daemon-wide setting: network ports, the advertised
// mDNS name, the control-plane socket path, and peers to register at
// startup (each is dialed once a route targets it).
type Config struct {
	Name        string
	Port        int
	ControlPath string
	ConfigFile  string
	ConnectTo   []string
	UseMDNS     bool
}

// Default mirrors the original daemon's rtpmidid.ini defaults.
func Default() Config {
	return Config{
		Name:        "rtpmidid",
		Port:        5004,
		ControlPath: "/var/run/rtpmidid/control.sock",
		UseMDNS:     true,
	}
}

// ParseFlags parses args (typically os.Args[1:]) into a Config seeded from
// Default, then overlays any ini file named by --config.
func ParseFlags(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("rtpmidid", flag.ContinueOnError)
	name := fs.String("name", cfg.Name, "mDNS/session name advertised to peers")
	port := fs.Int("port", cfg.Port, "control port; the data port is port+1")
	control := fs.String("control", cfg.ControlPath, "UNIX socket path for the control plane")
	configFile := fs.String("config", "", "optional INI file to load on top of the flag defaults")
	useMDNS := fs.Bool("mdns", cfg.UseMDNS, "announce and discover peers via mDNS")
	var connectTo stringList
	fs.Var(&connectTo, "connect-to", "host:port of a peer to register at startup, dialed once a route targets it (repeatable)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Name = *name
	cfg.Port = *port
	cfg.ControlPath = *control
	cfg.ConfigFile = *configFile
	cfg.UseMDNS = *useMDNS
	cfg.ConnectTo = []string(connectTo)

	if cfg.ConfigFile != "" {
		if err := cfg.loadINI(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c *Config) loadINI(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}
	section := f.Section("general")
	if section.HasKey("name") {
		c.Name = section.Key("name").String()
	}
	if section.HasKey("port") {
		if v, err := section.Key("port").Int(); err == nil {
			c.Port = v
		}
	}
	if section.HasKey("control") {
		c.ControlPath = section.Key("control").String()
	}
	if section.HasKey("mdns") {
		c.UseMDNS = section.Key("mdns").MustBool(c.UseMDNS)
	}
	for _, peer := range f.Section("connect").Keys() {
		c.ConnectTo = append(c.ConnectTo, peer.Value())
	}
	return nil
}

// stringList implements flag.Value to let --connect-to repeat.
type stringList []string

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	out := ""
	for i, v := range *s {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
