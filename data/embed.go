// Package data holds the configuration files shipped inside the relay binary.
package data

import "embed"

var (
	//go:embed relay.yaml all:examples
	Configs embed.FS
)
