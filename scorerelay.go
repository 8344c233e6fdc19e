// Package scorerelay contains the version string and shared defaults for the
// score relay.
package scorerelay

import "time"

// Version is the current version of the relay.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// BasePrefix is a global prefix for all relay endpoints. Setting this value
// moves the API and health endpoints under a subpath.
var BasePrefix = ""

// APIPrefix is the path prefix for all client facing endpoints.
const APIPrefix = "/api/"

const (
	// DefaultNonceTTL is how long a client has between receiving a challenge
	// and submitting the signed score for it.
	DefaultNonceTTL = 60 * time.Second

	// DefaultExpiredRetention is how long an expired challenge is kept around
	// so that late submissions are told the nonce expired instead of that it
	// never existed.
	DefaultExpiredRetention = 5 * time.Minute

	// DefaultConfirmTimeout bounds the wait for one confirmation of a score
	// transaction.
	DefaultConfirmTimeout = 2 * time.Minute

	// DefaultGasLimit is the gas limit attached to every submitScore call.
	DefaultGasLimit uint64 = 1_000_000

	// DefaultRPCURL is the Celo Alfajores testnet RPC endpoint.
	DefaultRPCURL = "https://alfajores-forno.celo-testnet.org"

	// CeloAlfajoresChainID is the chain id of the Celo Alfajores testnet.
	CeloAlfajoresChainID = 44787
)

// DigestVersion identifies the field order and widths of the signed score
// digest. Clients must sign with the same encoding; any change to it is a
// breaking protocol change and bumps this number.
const DigestVersion = 1
