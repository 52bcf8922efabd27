package transport

import "context"

// ITransportProvider accepts client connections and runs one job per
// session. The registered handler receives the session's transport service
// and a context that is cancelled when the connection drops.
type ITransportProvider interface {
	Start() error
	Stop() error
	RegisterJobHandler(func(svc ITransportService, ctx context.Context) error) error
}
