//go:build !linux

package main

import (
	"errors"

	"github.com/colorfulnotion/kvwal/device"
)

var errNoFileDevice = errors.New("file devices are only built on linux")

func openDevice(string) (device.Device, error) { return nil, errNoFileDevice }

func createDevice(string, int64) (device.Device, error) { return nil, errNoFileDevice }
