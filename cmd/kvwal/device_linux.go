package main

import (
	"github.com/colorfulnotion/kvwal/device"
)

func openDevice(path string) (device.Device, error) {
	d, err := device.OpenFileDevice(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func createDevice(path string, size int64) (device.Device, error) {
	d, err := device.CreateFileDevice(path, size)
	if err != nil {
		return nil, err
	}
	return d, nil
}
