package main

import "time"

const (
	sourceSocketCAN  = "socketcan"
	sourceSerial     = "serial"
	sourceCannelloni = "cannelloni"
	sourceReplay     = "replay"

	defaultQueueSize = 1024 // frames between the receive loop and the decoder
	rxBackoffMin     = 20 * time.Millisecond
	rxBackoffMax     = 500 * time.Millisecond
)
