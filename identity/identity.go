// Package identity describes the process that originates a call.
//
// A HostIdentity is a plain value object supplied by the embedding process.
// The RPC core never derives identity on its own; Local() is a convenience
// for programs that want the obvious defaults.
package identity

import (
	"os"
	"path/filepath"
)

// HostIdentity identifies one process on one host.
type HostIdentity struct {
	HostName    string
	ProcessName string
	UnitName    string
	PID         int
}

// Local builds a HostIdentity from the current process.
func Local() HostIdentity {
	host, _ := os.Hostname()
	name := filepath.Base(os.Args[0])
	return HostIdentity{
		HostName:    host,
		ProcessName: name,
		UnitName:    name,
		PID:         os.Getpid(),
	}
}
