//go:build windows

package sysproxy

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

// windowsConfigurator flips the WinINet per-user proxy registration, the
// same setting the Internet Options control panel edits.
type windowsConfigurator struct{}

func newPlatform() Configurator { return windowsConfigurator{} }

func (windowsConfigurator) SetProxy(enabled bool, addr string, port int) error {
	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer key.Close()

	if !enabled {
		return key.SetDWordValue("ProxyEnable", 0)
	}
	if err := key.SetStringValue("ProxyServer", fmt.Sprintf("%s:%d", addr, port)); err != nil {
		return err
	}
	return key.SetDWordValue("ProxyEnable", 1)
}
