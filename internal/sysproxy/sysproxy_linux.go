//go:build linux

package sysproxy

import (
	"fmt"
	"os/exec"
	"strings"
)

// linuxConfigurator sets the GNOME proxy schema, which most desktop
// applications honor. Headless systems typically have no gsettings binary;
// that surfaces as an error the caller logs and moves past.
type linuxConfigurator struct{}

func newPlatform() Configurator { return linuxConfigurator{} }

func (linuxConfigurator) SetProxy(enabled bool, addr string, port int) error {
	if !enabled {
		return gsettings("set", "org.gnome.system.proxy", "mode", "none")
	}
	p := fmt.Sprintf("%d", port)
	steps := [][]string{
		{"set", "org.gnome.system.proxy.http", "host", addr},
		{"set", "org.gnome.system.proxy.http", "port", p},
		{"set", "org.gnome.system.proxy.https", "host", addr},
		{"set", "org.gnome.system.proxy.https", "port", p},
		{"set", "org.gnome.system.proxy", "mode", "manual"},
	}
	for _, s := range steps {
		if err := gsettings(s...); err != nil {
			return err
		}
	}
	return nil
}

func gsettings(args ...string) error {
	if out, err := exec.Command("gsettings", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("gsettings %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
