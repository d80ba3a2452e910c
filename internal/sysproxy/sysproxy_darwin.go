//go:build darwin

package sysproxy

import (
	"fmt"
	"os/exec"
	"strings"
)

// darwinConfigurator drives networksetup for every active network service.
type darwinConfigurator struct{}

func newPlatform() Configurator { return darwinConfigurator{} }

func (darwinConfigurator) SetProxy(enabled bool, addr string, port int) error {
	services, err := networkServices()
	if err != nil {
		return err
	}
	for _, svc := range services {
		if enabled {
			p := fmt.Sprintf("%d", port)
			if err := run("networksetup", "-setwebproxy", svc, addr, p); err != nil {
				return err
			}
			if err := run("networksetup", "-setsecurewebproxy", svc, addr, p); err != nil {
				return err
			}
			continue
		}
		if err := run("networksetup", "-setwebproxystate", svc, "off"); err != nil {
			return err
		}
		if err := run("networksetup", "-setsecurewebproxystate", svc, "off"); err != nil {
			return err
		}
	}
	return nil
}

func networkServices() ([]string, error) {
	out, err := exec.Command("networksetup", "-listallnetworkservices").Output()
	if err != nil {
		return nil, err
	}
	var services []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		// The first line is a usage notice; disabled services carry a
		// leading asterisk.
		if line == "" || strings.Contains(line, "network services") || strings.HasPrefix(line, "*") {
			continue
		}
		services = append(services, line)
	}
	return services, nil
}

func run(name string, args ...string) error {
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
