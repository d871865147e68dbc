package search

import (
	"fmt"

	"github.com/flowee-go/hubindex/internal/wire"
)

// ServiceUnavailableError mirrors Blockchain::ServiceUnavailableException:
// no connection currently offers the Service a job needs. Temporarily is
// true iff that Service was connected at some point during this process's
// lifetime, distinguishing "reconnecting" from "never configured".
type ServiceUnavailableError struct {
	Service     wire.Service
	Temporarily bool
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("search: service %s not connected", e.Service)
}
