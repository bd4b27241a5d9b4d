package main

import "time"

// RunFlags holds flags for the run command.
type RunFlags struct {
	StopTimeout time.Duration
}

// PortFlags holds flags for the port command.
type PortFlags struct {
	Start int
	Max   int
}

// ProbeFlags holds flags for the probe command.
type ProbeFlags struct {
	HTTP    string
	TCP     string
	Timeout time.Duration
}

// APIFlags holds the connection to a running supervisor's status API.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

const defaultAPIUrl = "http://127.0.0.1:8080/api"
