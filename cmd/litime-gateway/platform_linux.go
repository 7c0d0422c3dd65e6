package main

import (
	"fmt"
	"os"
	"syscall"

	"tinygo.org/x/bluetooth"
)

// openAdapter enables the named BlueZ adapter, or the default one.
func openAdapter(id string) (*bluetooth.Adapter, error) {
	adapter := bluetooth.DefaultAdapter
	if id != "" && id != "hci0" {
		adapter = bluetooth.NewAdapter(id)
	}
	if err := adapter.Enable(); err != nil {
		return nil, err
	}
	return adapter, nil
}

// reexec replaces the process with a fresh copy of itself.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
