//go:build !linux

package main

import (
	"errors"

	"tinygo.org/x/bluetooth"
)

func openAdapter(string) (*bluetooth.Adapter, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, err
	}
	return adapter, nil
}

func reexec() error {
	return errors.New("restart is only supported on linux; restart the service manually")
}
