package transport

import (
	"time"

	"github.com/Ayuan97/rust-bot-sub001/pkg/types"
)

// Reply windows per request kind. Metadata calls get the short bound; map
// payloads are large enough that the server legitimately needs longer.
const (
	metadataTimeout = 10 * time.Second
	bulkTimeout     = 15 * time.Second
)

type requestSpec struct {
	timeout time.Duration
}

// requestRegistry is the one place a request kind is tied to its reply
// timeout. Kinds missing from this table are rejected up front instead of
// being given some ad-hoc default at the call site.
var requestRegistry = map[string]requestSpec{
	types.RequestServerConnect:    {timeout: metadataTimeout},
	types.RequestServerDisconnect: {timeout: metadataTimeout},
	types.RequestServerInfo:       {timeout: metadataTimeout},
	types.RequestMessageSend:      {timeout: metadataTimeout},
	types.RequestDeviceControl:    {timeout: metadataTimeout},
	types.RequestDeviceInfo:       {timeout: metadataTimeout},
	types.RequestTeamInfo:         {timeout: metadataTimeout},
	types.RequestTimeGet:          {timeout: metadataTimeout},
	types.RequestMapInfo:          {timeout: bulkTimeout},
	types.RequestMapGet:           {timeout: bulkTimeout},
}

func lookupRequest(kind string) (requestSpec, bool) {
	spec, ok := requestRegistry[kind]
	return spec, ok
}
